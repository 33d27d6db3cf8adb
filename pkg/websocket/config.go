package websocket

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Config WebSocket配置
type Config struct {
	// 最大连接数
	MaxConnections int64
	// 心跳间隔
	HeartbeatInterval time.Duration
	// 连接超时时间
	ConnectionTimeout time.Duration
	// 每个连接的发送缓冲区大小
	MessageBufferSize int
	// Hub 投递队列大小
	MessageQueueSize int
	// 读缓冲区大小
	ReadBufferSize int
	// 写缓冲区大小
	WriteBufferSize int
	// 最大消息大小
	MaxMessageSize int
	// 是否启用压缩
	EnableCompression bool
	// 发送缓冲区满时是否丢弃
	DropOnFull bool
	// 慢消费者策略：背压触发时直接断开
	CloseOnBackpressure bool
	// 发送阻塞超时（用于非 DropOnFull 模式）
	SendTimeout time.Duration
	// 允许的 Origin，为空时不校验
	AllowedOrigins []string
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    DefaultMaxConnections,
		HeartbeatInterval: DefaultHeartbeatInterval * time.Second,
		ConnectionTimeout: DefaultConnectionTimeout * time.Second,
		MessageBufferSize: DefaultMessageBufferSize,
		MessageQueueSize:  DefaultMessageQueueSize,
		ReadBufferSize:    DefaultReadBufferSize,
		WriteBufferSize:   DefaultWriteBufferSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		EnableCompression: true,
		DropOnFull:        true,
		SendTimeout:       50 * time.Millisecond,
	}
}

func envInt(key string) int {
	return cast.ToInt(os.Getenv(key))
}

// LoadConfigFromEnv 从环境变量加载WebSocket配置
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if maxConnections := envInt(EnvWebSocketMaxConnections); maxConnections > 0 {
		config.MaxConnections = int64(maxConnections)
	}
	if heartbeatInterval := envInt(EnvWebSocketHeartbeatInterval); heartbeatInterval > 0 {
		config.HeartbeatInterval = time.Duration(heartbeatInterval) * time.Second
	}
	if connectionTimeout := envInt(EnvWebSocketConnectionTimeout); connectionTimeout > 0 {
		config.ConnectionTimeout = time.Duration(connectionTimeout) * time.Second
	}
	if messageBufferSize := envInt(EnvWebSocketMessageBufferSize); messageBufferSize > 0 {
		config.MessageBufferSize = messageBufferSize
	}
	if messageQueueSize := envInt(EnvWebSocketMessageQueueSize); messageQueueSize > 0 {
		config.MessageQueueSize = messageQueueSize
	}
	if readBuf := envInt(EnvWebSocketReadBufferSize); readBuf > 0 {
		config.ReadBufferSize = readBuf
	}
	if writeBuf := envInt(EnvWebSocketWriteBufferSize); writeBuf > 0 {
		config.WriteBufferSize = writeBuf
	}
	if maxMsg := envInt(EnvWebSocketMaxMessageSize); maxMsg > 0 {
		config.MaxMessageSize = maxMsg
	}
	if v := os.Getenv(EnvWebSocketEnableCompression); v != "" {
		config.EnableCompression = cast.ToBool(v)
	}
	if v := os.Getenv(EnvWebSocketDropOnFull); v != "" {
		config.DropOnFull = cast.ToBool(v)
	}
	if v := os.Getenv(EnvWebSocketCloseOnBackpressure); v != "" {
		config.CloseOnBackpressure = cast.ToBool(v)
	}
	if sendTimeoutMs := envInt(EnvWebSocketSendTimeoutMs); sendTimeoutMs > 0 {
		config.SendTimeout = time.Duration(sendTimeoutMs) * time.Millisecond
	}
	if origins := os.Getenv(EnvWebSocketAllowedOrigins); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	return config
}

// ValidateConfig 验证WebSocket配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置不能为空")
	}
	if config.MaxConnections <= 0 {
		return fmt.Errorf("最大连接数必须大于0")
	}
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("心跳间隔必须大于0")
	}
	if config.ConnectionTimeout <= 0 {
		return fmt.Errorf("连接超时时间必须大于0")
	}
	if config.MessageBufferSize <= 0 {
		return fmt.Errorf("消息缓冲区大小必须大于0")
	}
	if config.MessageQueueSize <= 0 {
		return fmt.Errorf("消息队列大小必须大于0")
	}
	if config.ReadBufferSize <= 0 || config.WriteBufferSize <= 0 {
		return fmt.Errorf("读/写缓冲区大小必须大于0")
	}
	if config.MaxMessageSize <= 0 {
		return fmt.Errorf("最大消息大小必须大于0")
	}
	// 心跳间隔应该小于连接超时时间
	if config.HeartbeatInterval >= config.ConnectionTimeout {
		return fmt.Errorf("心跳间隔必须小于连接超时时间")
	}
	if config.CloseOnBackpressure && !config.DropOnFull && config.SendTimeout <= 0 {
		return fmt.Errorf("启用背压断连时必须设置 send timeout")
	}
	return nil
}
