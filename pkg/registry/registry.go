package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"tdms2h5/internal/diag"
	"tdms2h5/pkg/contract"
	ccsv "tdms2h5/plugins/container/csv"
	ch5 "tdms2h5/plugins/container/hdf5"
	cmem "tdms2h5/plugins/container/memory"
	msql "tdms2h5/plugins/manifest/sqldb"
	pfs "tdms2h5/plugins/publisher/fs"
	ps3 "tdms2h5/plugins/publisher/s3"
	stdms "tdms2h5/plugins/source/tdms"
)

// None: 可选组件（清单、发布）的禁用名；对应工厂返回 nil。
const None = "none"

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewSource 工厂签名：接收原样 JSON Options。
type NewSource func(raw json.RawMessage) (contract.Source, error)

// NewStorage 工厂签名：接收原样 JSON Options。
type NewStorage func(raw json.RawMessage) (contract.Storage, error)

// NewManifest 工厂签名：接收原样 JSON Options；返回 nil 表示禁用。
type NewManifest func(raw json.RawMessage) (contract.Manifest, error)

// NewPublisher 工厂签名：可能需要加载远端凭证，故带 ctx 与 logger；返回 nil 表示禁用。
type NewPublisher func(ctx context.Context, raw json.RawMessage, logger *diag.Logger) (contract.Publisher, error)

// Source 工厂注册表（显式、零反射）。
var Source = map[string]NewSource{
	// tdms: NI TDMS 2.0 切片文件
	"tdms": func(raw json.RawMessage) (contract.Source, error) {
		var opts stdms.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stdms.New(&opts)
	},
}

// Storage 工厂注册表。
var Storage = map[string]NewStorage{
	// hdf5: 每组一个 .h5 文件
	"hdf5": func(raw json.RawMessage) (contract.Storage, error) {
		var opts ch5.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ch5.New(&opts), nil
	},
	// csv: 每组一个目录（旧版 CSV 布局，可选 zstd）
	"csv": func(raw json.RawMessage) (contract.Storage, error) {
		var opts ccsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ccsv.New(&opts)
	},
	// memory: 仅内存（dry-run）
	"memory": func(raw json.RawMessage) (contract.Storage, error) {
		var opts cmem.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cmem.New(&opts), nil
	},
}

// Manifest 工厂注册表。
var Manifest = map[string]NewManifest{
	None: func(raw json.RawMessage) (contract.Manifest, error) { return nil, nil },
	"sqlite": func(raw json.RawMessage) (contract.Manifest, error) {
		var opts msql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return msql.New(msql.SQLite, &opts)
	},
	"postgres": func(raw json.RawMessage) (contract.Manifest, error) {
		var opts msql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return msql.New(msql.Postgres, &opts)
	},
}

// Publisher 工厂注册表。
var Publisher = map[string]NewPublisher{
	None: func(context.Context, json.RawMessage, *diag.Logger) (contract.Publisher, error) { return nil, nil },
	// s3: S3 兼容对象存储
	"s3": func(ctx context.Context, raw json.RawMessage, logger *diag.Logger) (contract.Publisher, error) {
		var opts ps3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ps3.New(ctx, &opts, logger)
	},
	// fs: 本地归档目录
	"fs": func(_ context.Context, raw json.RawMessage, _ *diag.Logger) (contract.Publisher, error) {
		var opts pfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pfs.New(&opts)
	},
}
