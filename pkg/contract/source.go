package contract

import "context"

// Source: 源文件读取能力（TDMS 等）。
// 约束：
// 1) Open 完整读入一个切片文件的元数据与通道数据；
// 2) 不在内部起并发；
// 3) 调用方负责在处理下一个输入前 Close。
type Source interface {
	Open(ctx context.Context, path string) (SourceFile, error)
}

// SourceFile: 一个已打开的切片文件。
type SourceFile interface {
	// Properties 返回文件级（层级）属性。
	Properties() PropertyBag
	// Groups 按源文件顺序返回全部组。
	Groups() []Group
	Close() error
}
