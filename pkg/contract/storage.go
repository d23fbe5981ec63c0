package contract

import "context"

// Storage: 目标容器能力（层级键值 + 命名数据集）。
// 每次 Create 产生一个新容器（截断同名旧文件）；调用方保证同一组名在一次运行内只创建一次。
type Storage interface {
	Create(ctx context.Context, dir, group string) (Container, error)
}

// Container: 一个打开的输出容器。节点路径以 '/' 分隔，根为 ""。
// 约束：
//  1. 单写者，不做内部同步；
//  2. 属性按插入顺序持久化；
//  3. 关闭后可继续调用 Close（幂等）。
type Container interface {
	// Group 返回容器对应的组名。
	Group() string
	// Location 返回容器在本地文件系统中的位置（文件或目录）。
	Location() string
	CreateNode(ctx context.Context, path string) error
	SetAttrs(ctx context.Context, path string, attrs Attributes) error
	WriteDataset(ctx context.Context, parent string, ds Dataset) error
	Close() error
}
