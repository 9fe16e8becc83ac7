package idgen

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ============================================================================
// 雪花算法业务编号生成器
// ============================================================================
//
// 实体主键使用 128 位随机 UUID（不可枚举，客户端可离线生成），
// 这里只负责人可读的业务编号：交易流水号、充值收据号、卡片序列号。
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 初始化默认ID生成器，多实例部署时每个实例使用不同的 workerID
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID 必须在 0-%d 之间", maxWorkerID)
		}
		defaultGenerator = &Snowflake{workerID: workerID}
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	Init(1)
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	// 低 12 位十进制覆盖约 238 秒的 ID 空间，同一秒内不会重复
	return fmt.Sprintf("%s%s%012d", prefix, timestamp, id%1000000000000)
}

// GenerateTransactionRef 交易内部流水号，例如 TXN20240115143052000012345678
func GenerateTransactionRef() string {
	return generate("TXN")
}

// GenerateReceiptNo 充值收据号
func GenerateReceiptNo() string {
	return generate("RCP")
}

// RechargeTransactionRef 充值确认后生成的 RECHARGE 交易流水号，与收据号一一对应
func RechargeTransactionRef(receiptNo string) string {
	return "RECH_" + receiptNo
}

// GenerateSerialNumber 卡片序列号：RF + 完整的 19 位雪花ID，不截断
func GenerateSerialNumber() string {
	return formatSerial(NextID())
}

func formatSerial(id int64) string {
	return fmt.Sprintf("RF%019d", id)
}
