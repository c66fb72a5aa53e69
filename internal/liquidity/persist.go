package liquidity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/pkg/logger"
)

const snapshotKeyPrefix = "snap:"

// persistedSnapshot 落盘格式：快照 JSON + 校验和 + 写入时间
type persistedSnapshot struct {
	Payload  json.RawMessage `json:"payload"`
	Checksum string          `json:"checksum"` // sha256(payload)
	StoredAt time.Time       `json:"stored_at"`
}

// Persister 兜底层快照的 badger 持久化
// 进程重启后兜底层可以立即回填；校验和不匹配视为损坏，按未命中处理并删除
type Persister struct {
	db *badger.DB
}

// NewPersister 打开（或创建）持久化目录
func NewPersister(dir string) (*Persister, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil). // badger 自带日志太啰嗦，错误由调用方记录
		WithValueLogFileSize(64 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "打开快照持久化库失败")
	}
	return &Persister{db: db}, nil
}

// Store 写入快照（尽力而为：失败只记日志，不影响内存缓存）
func (p *Persister) Store(snap *domain.LiquiditySnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		logger.Warnf("快照序列化失败: symbol=%s err=%v", snap.Symbol, err)
		return
	}
	rec := persistedSnapshot{
		Payload:  payload,
		Checksum: checksum(payload),
		StoredAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logger.Warnf("快照持久化编码失败: symbol=%s err=%v", snap.Symbol, err)
		return
	}

	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKeyPrefix+snap.Symbol), data)
	})
	if err != nil {
		logger.Warnf("快照落盘失败: symbol=%s err=%v", snap.Symbol, err)
	}
}

// Load 读取快照
// 超过 ttl、校验和不匹配或解码失败都按未命中处理；损坏条目顺手删除
func (p *Persister) Load(symbol string, ttl time.Duration) (*domain.LiquiditySnapshot, bool) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKeyPrefix + symbol))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger.Warnf("读取持久化快照失败: symbol=%s err=%v", symbol, err)
		}
		return nil, false
	}

	var rec persistedSnapshot
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warnf("持久化快照损坏（解码失败）: symbol=%s err=%v", symbol, err)
		p.Delete(symbol)
		return nil, false
	}
	if checksum(rec.Payload) != rec.Checksum {
		logger.Warnf("持久化快照损坏（校验和不匹配）: symbol=%s", symbol)
		p.Delete(symbol)
		return nil, false
	}
	if time.Since(rec.StoredAt) > ttl {
		return nil, false
	}

	var snap domain.LiquiditySnapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		logger.Warnf("持久化快照损坏（payload 解码失败）: symbol=%s err=%v", symbol, err)
		p.Delete(symbol)
		return nil, false
	}
	return &snap, true
}

// Delete 删除快照
func (p *Persister) Delete(symbol string) {
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotKeyPrefix + symbol))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		logger.Warnf("删除持久化快照失败: symbol=%s err=%v", symbol, err)
	}
}

// Close 关闭持久化库
func (p *Persister) Close() error {
	return p.db.Close()
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
