package contract

import "context"

// Artifact: 已关闭、可发布的输出工件。
type Artifact struct {
	Group       string
	Path        string
	ContentType string
}

// Publisher: 运行结束后发布输出工件（对象存储等）。
// 仅在所有容器关闭后调用；错误直接上抛。
type Publisher interface {
	Publish(ctx context.Context, artifacts []Artifact) error
}
