package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/logger"
)

const (
	delimiter = "|"
	numFields = 4 // Kind|Key|Field|Value, Value 中允许出现分隔符

	kindHash = "h"
	kindList = "l"
	kindSet  = "s"
)

// SnapshotFile 把 MemoryStorage 的内容持久化为纯文本文件，每行一个条目。
type SnapshotFile struct {
	filePath string
	mu       sync.Mutex
}

// NewSnapshotFile 创建一个新的 SnapshotFile 实例。
func NewSnapshotFile(filePath string) *SnapshotFile {
	return &SnapshotFile{filePath: filePath}
}

// Load 从快照文件恢复数据到 m。文件不存在时视为空存储。
func (fs *SnapshotFile) Load(m *MemoryStorage) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Snapshot file not found, starting with an empty store.")
			return nil
		}
		return err
	}
	defer file.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum, loaded := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, delimiter, numFields)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in snapshot file.")
			continue
		}
		kind, key, field := fields[0], fields[1], fields[2]
		value, err := strconv.Unquote(fields[3])
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to decode value in snapshot file, skipping.")
			continue
		}

		switch kind {
		case kindHash:
			if _, ok := m.hashes[key]; !ok {
				m.hashes[key] = make(map[string]string)
			}
			m.hashes[key][field] = value
		case kindList:
			// 行已按 field (零填充的下标) 排序写出，按顺序追加即可还原列表。
			m.lists[key] = append(m.lists[key], value)
		case kindSet:
			if _, ok := m.sets[key]; !ok {
				m.sets[key] = make(map[string]struct{})
			}
			m.sets[key][value] = struct{}{}
		default:
			l.Warn().Int("line", lineNum).Str("kind", kind).Msg("Unknown entry kind in snapshot file, skipping.")
			continue
		}
		loaded++
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	l.Info().Int("entries", loaded).Msg("Successfully loaded store snapshot.")
	return nil
}

// Save 将 m 的全部内容写入快照文件。
func (fs *SnapshotFile) Save(m *MemoryStorage) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	m.mu.RLock()
	var lines []string
	for key, h := range m.hashes {
		for field, value := range h {
			lines = append(lines, formatEntry(kindHash, key, field, value))
		}
	}
	for key, list := range m.lists {
		for i, value := range list {
			lines = append(lines, formatEntry(kindList, key, fmt.Sprintf("%06d", i), value))
		}
	}
	for key, set := range m.sets {
		for value := range set {
			lines = append(lines, formatEntry(kindSet, key, "", value))
		}
	}
	m.mu.RUnlock()

	sort.Strings(lines)

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		return err
	}

	l.Info().Int("entries", len(lines)).Msg("Successfully saved store snapshot.")
	return nil
}

// formatEntry 将一个条目格式化为一行文本。值被转义，以保证一行一个条目。
func formatEntry(kind, key, field, value string) string {
	return strings.Join([]string{kind, key, field, strconv.Quote(value)}, delimiter)
}
