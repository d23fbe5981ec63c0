package contract

import "errors"

// 转换流程的错误分类；均为致命错误，调用方以 errors.Is 判别。
var (
	// ErrConfiguration: 输入目录缺失/不可读、前缀模式无法编译、参数越界等。
	ErrConfiguration = errors.New("configuration error")
	// ErrData: 源切片中缺少或畸形的通道/属性、偏移超出通道长度、终结阶段缺少 layerThickness 等。
	ErrData = errors.New("data error")
	// ErrStorage: 输出容器无法创建或写入。
	ErrStorage = errors.New("storage error")
	// ErrPathInvalid: 组名无法映射为合法的输出文件名（含分隔符或 '..'）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
