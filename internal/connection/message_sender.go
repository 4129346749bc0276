package connection

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
)

var (
	ErrQueueFull    = errors.New("send queue is full")
	ErrSocketClosed = errors.New("socket closed")
)

// MessageSender 会话向客户端写帧的最小接口
type MessageSender interface {
	Send(data []byte) error
	Close(code int, reason string)
}

// Compression 传输层压缩方式
type Compression int

const (
	CompressionNone Compression = iota
	// CompressionZlibStream 整条连接共享一个 zlib 上下文, 每帧 sync flush
	CompressionZlibStream
)

type SocketOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Compression  Compression
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 512
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type outFrame struct {
	data      []byte
	close     bool
	closeCode int
	reason    string
}

// Socket 包装 WebSocket 连接: 有界发送队列 + 单写协程
type Socket struct {
	conn         *websocket.Conn
	id           string
	queue        chan outFrame
	done         chan struct{}
	closing      atomic.Bool
	shutdownOnce sync.Once
	writeTimeout time.Duration

	// 仅写协程访问
	stream    *zlib.Writer
	streamBuf bytes.Buffer

	payloadCompression atomic.Bool
	err                atomic.Value
}

func NewSocket(conn *websocket.Conn, id string, opts SocketOptions) *Socket {
	opts = opts.withDefaults()
	s := &Socket{
		conn:         conn,
		id:           id,
		queue:        make(chan outFrame, opts.QueueSize),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
	if opts.Compression == CompressionZlibStream {
		s.stream = zlib.NewWriter(&s.streamBuf)
	}
	go s.writePump()
	return s
}

func (s *Socket) ID() string { return s.id }

// Done 在写协程退出后关闭
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err 返回导致写协程退出的错误, 正常关闭时为 nil
func (s *Socket) Err() error {
	if v, ok := s.err.Load().(error); ok {
		return v
	}
	return nil
}

// SetPayloadCompression 开启后每帧独立 zlib 压缩并以二进制帧发送
func (s *Socket) SetPayloadCompression(enabled bool) {
	s.payloadCompression.Store(enabled)
}

// Send 非阻塞入队, 队列满视为发送失败
func (s *Socket) Send(data []byte) error {
	if s.closing.Load() {
		return ErrSocketClosed
	}
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.queue <- outFrame{data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 在已入队的帧之后发送关闭帧, 队列满时直接断开
func (s *Socket) Close(code int, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.queue <- outFrame{close: true, closeCode: code, reason: reason}:
	default:
		logger.WarnF("[%s] Send queue full, dropping connection without close frame", s.id)
		s.shutdown(ErrQueueFull)
	}
}

// ReadMessage 读取客户端下一帧
func (s *Socket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *Socket) SetReadLimit(limit int64) {
	s.conn.SetReadLimit(limit)
}

func (s *Socket) shutdown(cause error) {
	s.shutdownOnce.Do(func() {
		if cause != nil {
			s.err.Store(cause)
		}
		close(s.done)
		if err := s.conn.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", s.id, err)
		}
	})
}

func (s *Socket) writePump() {
	for {
		select {
		case frame := <-s.queue:
			if frame.close {
				s.writeClose(frame.closeCode, frame.reason)
				s.shutdown(nil)
				return
			}
			if err := s.write(frame.data); err != nil {
				if !IsNetClosedError(err) {
					logger.ErrorF("[%s] Fail to send data, details: %v", s.id, err)
				}
				s.shutdown(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) write(data []byte) error {
	messageType := websocket.TextMessage
	switch {
	case s.stream != nil:
		s.streamBuf.Reset()
		if _, err := s.stream.Write(data); err != nil {
			return err
		}
		if err := s.stream.Flush(); err != nil {
			return err
		}
		data = s.streamBuf.Bytes()
		messageType = websocket.BinaryMessage
	case s.payloadCompression.Load():
		compressed, err := CompressPayload(data)
		if err != nil {
			return err
		}
		data = compressed
		messageType = websocket.BinaryMessage
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	logger.DebugF("[%s] Send %d bytes to client", s.id, len(data))
	return nil
}

func (s *Socket) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout)); err != nil && !IsNetClosedError(err) {
		logger.WarnF("[%s] Fail to send close frame %d, details: %v", s.id, code, err)
	}
}

// CompressPayload 单帧 zlib 压缩
func CompressPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
