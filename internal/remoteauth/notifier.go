package remoteauth

import (
	"encoding/json"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
)

// Notifier 由 REST 进程调用, 把配对进度发布到 remote_auth 主题
type Notifier struct {
	publisher pubsub.Publisher
}

func NewNotifier(publisher pubsub.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

func (n *Notifier) PendingFinish(fingerprint string, user *repository.User) {
	n.publish(Message{Op: OpPendingFinish, Fingerprint: fingerprint, UserData: user.UserData()})
}

func (n *Notifier) Finish(fingerprint, token string) {
	n.publish(Message{Op: OpFinish, Fingerprint: fingerprint, Token: token})
}

func (n *Notifier) Cancel(fingerprint string) {
	n.publish(Message{Op: OpCancel, Fingerprint: fingerprint})
}

func (n *Notifier) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.ErrorF("Fail to encode remote auth %s: %v", msg.Op, err)
		return
	}
	n.publisher.Publish(pubsub.TopicRemoteAuth, data)
	logger.DebugF("Published remote auth %s for %s", msg.Op, msg.Fingerprint)
}
