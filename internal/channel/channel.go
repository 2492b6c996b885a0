package channel

import (
	"github.com/sirupsen/logrus"
)

var channelLog = logrus.WithField("component", "channel")

// Channel 不可靠的键值投递抽象。
//
// 语义：每个目标一个共享存储槽位，clobber 覆盖写（只有最后一次写入可见），
// 本层不排队——排队由上层调用方负责。两条通道之间对同一目标没有 FIFO 保证。
type Channel interface {
	// Send 写入目标槽位；失败返回 error
	Send(target string, payload []byte) error
	// Read 读取目标槽位；槽位不存在时 ok 为 false
	Read(target string) (payload []byte, ok bool, err error)
}

// FailoverChannel 双通道自动降级包装：
// 先走主通道（终端内槽位，要求外部进程存活且轮询同一存储），
// 失败后透明切换备用通道（本地持久化），并记录实际走通的通道。
type FailoverChannel struct {
	primary   Channel
	secondary Channel
}

// NewFailoverChannel 创建双通道包装
func NewFailoverChannel(primary, secondary Channel) *FailoverChannel {
	return &FailoverChannel{
		primary:   primary,
		secondary: secondary,
	}
}

// Send 先试主通道，失败后走备用通道；两者都失败才返回 error
func (c *FailoverChannel) Send(target string, payload []byte) error {
	if err := c.primary.Send(target, payload); err == nil {
		channelLog.Debugf("通过主通道投递: target=%s bytes=%d", target, len(payload))
		return nil
	} else {
		channelLog.Warnf("主通道投递失败，切换备用通道: target=%s err=%v", target, err)
	}

	if err := c.secondary.Send(target, payload); err != nil {
		return err
	}
	channelLog.Infof("通过备用通道投递: target=%s bytes=%d", target, len(payload))
	return nil
}

// Read 先读主通道，未命中再读备用通道
func (c *FailoverChannel) Read(target string) ([]byte, bool, error) {
	payload, ok, err := c.primary.Read(target)
	if err == nil && ok {
		return payload, true, nil
	}
	if err != nil {
		channelLog.Debugf("主通道读取失败: target=%s err=%v", target, err)
	}
	return c.secondary.Read(target)
}
