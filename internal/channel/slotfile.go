package channel

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// SlotFileChannel 主通道：终端 Files 目录下的 JSON 槽位文件。
// EA 在终端内轮询同一目录；写入用 tmp+rename 保证读方不会看到半个文件。
// 目录不可写/未挂载即视为通道故障，由 FailoverChannel 降级。
type SlotFileChannel struct {
	dir string
}

var slotSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NewSlotFileChannel 创建槽位文件通道
func NewSlotFileChannel(dir string) *SlotFileChannel {
	return &SlotFileChannel{dir: dir}
}

func (c *SlotFileChannel) slotPath(target string) string {
	safe := slotSanitizer.ReplaceAllString(target, "_")
	return filepath.Join(c.dir, "cmd_"+safe+".json")
}

// Send 覆盖写目标槽位文件
func (c *SlotFileChannel) Send(target string, payload []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "创建槽位目录失败")
	}

	path := c.slotPath(target)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "写入槽位临时文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "替换槽位文件失败")
	}
	return nil
}

// Read 读取目标槽位文件；不存在时 ok 为 false
func (c *SlotFileChannel) Read(target string) ([]byte, bool, error) {
	b, err := os.ReadFile(c.slotPath(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "读取槽位文件失败")
	}
	if len(b) == 0 {
		return nil, false, nil
	}
	return b, true, nil
}
