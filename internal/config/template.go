package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 输入/输出目录占位为 ./in 与 ./out；
// - 组件名采用仓库内置实现（hdf5 容器，清单与发布关闭）；
// - Options 列出各内置实现的全部键，值为安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.InputDir = "in"
	cfg.OutputDir = "out"
	cfg.Groups = []string{}
	cfg.Options.Source = json.RawMessage(`{
  "max_bytes": 0
}`)
	cfg.Options.Container = json.RawMessage(`{
  "ext": ".h5",
  "overwrite": true
}`)
	// 切换为 sqlite/postgres 时填写 dsn；sqlite 留空写入 <output_dir>/manifest.db
	cfg.Options.Manifest = json.RawMessage(`{
  "dsn": ""
}`)
	// 切换为 s3 时使用；fs 发布器仅需 {"dir": "..."}
	cfg.Options.Publisher = json.RawMessage(`{
  "bucket": "",
  "region": "",
  "endpoint": "",
  "path_style": false,
  "access_key_id": "",
  "secret_access_key": "",
  "prefix": "",
  "concurrency": 4,
  "rate_limit_per_sec": 0
}`)
	return cfg
}
