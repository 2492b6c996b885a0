package channel

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const badgerSlotPrefix = "slot:"

// BadgerChannel 备用通道：本地 Badger KV，持久化降级存储。
// 主通道恢复前命令停在这里，代理侧的桥接进程会把槽位同步回终端。
type BadgerChannel struct {
	db *badger.DB
}

// OpenBadgerChannel 打开备用通道存储
func OpenBadgerChannel(dir string) (*BadgerChannel, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("badger 目录不能为空")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "打开备用通道存储失败")
	}
	return &BadgerChannel{db: db}, nil
}

// Close 关闭存储
func (c *BadgerChannel) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Send 覆盖写目标槽位
func (c *BadgerChannel) Send(target string, payload []byte) error {
	key := []byte(badgerSlotPrefix + target)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	return errors.Wrap(err, "写入备用槽位失败")
}

// Read 读取目标槽位；不存在时 ok 为 false
func (c *BadgerChannel) Read(target string) ([]byte, bool, error) {
	key := []byte(badgerSlotPrefix + target)
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "读取备用槽位失败")
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}
