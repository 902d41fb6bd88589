package scraper

import (
	"context"
	"fmt"
	"os"

	"github.com/worldwonderer/proxy-for-spiders/proxypool/model"
)

// FileSource 从本地文件读取代理列表，文件中任意位置的 ip:port 都会被识别。
type FileSource struct {
	path string
	meta meta
}

// NewFileSource 创建文件代理源。文件中的代理视为支持 https，不收费，永不过期。
func NewFileSource(tag, path string) *FileSource {
	return &FileSource{
		path: path,
		meta: meta{tag: tag, validTime: -1, supportHTTPS: true},
	}
}

func (s *FileSource) Name() string {
	return s.meta.tag
}

func (s *FileSource) Fetch(_ context.Context) ([]*model.Proxy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy file %s: %w", s.path, err)
	}
	return extract(string(data), s.meta), nil
}
