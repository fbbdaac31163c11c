package proxy

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange は応答待ちの転送1件を表す。
// IDはディスパッチ時に発行し、非同期の転送処理を通して完了時に解決する。
type Exchange struct {
	ID        string
	Method    string
	Path      string
	StartedAt time.Time

	result chan exchangeResult
}

// exchangeResult はアップストリーム転送の結果。
// 本文はバッファ済みで、resp.Bodyは閉じられている。
type exchangeResult struct {
	resp *http.Response
	body []byte
	err  error
}

// ExchangeTable はエクスチェンジIDから応答待ちの転送への対応表。
// 登録はディスパッチ時、解決と解放は完了側の別goroutineから行われる。
type ExchangeTable struct {
	mu      sync.RWMutex
	pending map[string]*Exchange
}

// NewExchangeTable は空のExchangeTableを生成する。
func NewExchangeTable() *ExchangeTable {
	return &ExchangeTable{pending: make(map[string]*Exchange)}
}

// Register は新しいエクスチェンジIDを発行して登録する。
func (t *ExchangeTable) Register(method, path string, now time.Time) *Exchange {
	ex := &Exchange{
		ID:        uuid.NewString(),
		Method:    method,
		Path:      path,
		StartedAt: now,
		result:    make(chan exchangeResult, 1),
	}

	t.mu.Lock()
	t.pending[ex.ID] = ex
	t.mu.Unlock()

	return ex
}

// resolve はエクスチェンジを表から取り除き、結果を待機側に渡す。
// 既に解放済みの場合はfalseを返す。
func (t *ExchangeTable) resolve(id string, res exchangeResult) bool {
	t.mu.Lock()
	ex, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		return false
	}
	ex.result <- res
	return true
}

// Release は結果を渡さずにエクスチェンジを取り除く。
// クライアント切断時やエラー時の後始末に使う。存在しない場合はfalseを返す。
func (t *ExchangeTable) Release(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// Len は応答待ちのエクスチェンジ数を返す。
func (t *ExchangeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
