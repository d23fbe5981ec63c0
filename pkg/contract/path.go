package contract

import (
	"fmt"
	"path"
	"strings"
)

// ContainerFileName 将组名映射为输出文件名（<group><ext>）。
// 规则：
// - 组名来自源文件，不做改写；
// - 含路径分隔符、为空或为 "."/".." 时拒绝，避免写出 output_dir 之外。
func ContainerFileName(group, ext string) (string, error) {
	if strings.TrimSpace(group) == "" || group == "." || group == ".." {
		return "", fmt.Errorf("%w: group %q", ErrPathInvalid, group)
	}
	if strings.ContainsAny(group, `/\`) || strings.ContainsRune(group, 0) {
		return "", fmt.Errorf("%w: group %q", ErrPathInvalid, group)
	}
	return group + ext, nil
}

// NodePath 以 '/' 拼接容器内节点路径；空片段忽略，根为 ""。
func NodePath(parts ...string) string {
	keep := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		return ""
	}
	return path.Join(keep...)
}
