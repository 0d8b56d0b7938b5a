package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is an Engine backed by PostgreSQL. Live subscriptions use
// LISTEN/NOTIFY: the query string names the notification channel, each
// subscription holds a dedicated connection, and notification payloads are
// delivered as raw bytes. One-shot fetches run a SQL query and serialize
// each row to JSON.
//
// The subscription token is assigned after LISTEN succeeds and delivered
// from the notification goroutine, so it always arrives after Subscribe
// returns, possibly after the first items.
type Postgres struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	mu      sync.Mutex
	nextTok Token
	subs    map[Token]*pgSub
	closed  bool
}

// pgSub tracks one live LISTEN connection so Unsubscribe can stop it.
type pgSub struct {
	channel string
	cancel  context.CancelFunc
}

// NewPostgres creates a new Postgres engine using the provided connection
// pool. The pool must remain open for the lifetime of the engine.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool: pool,
		log:  slog.Default(),
		subs: make(map[Token]*pgSub),
	}
}

// Subscribe starts LISTEN on the channel named by query with a dedicated
// connection and streams notification payloads to the listener.
func (p *Postgres) Subscribe(ctx context.Context, query string, l Listener[[]byte]) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.nextTok++
	tok := p.nextTok
	p.mu.Unlock()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	// The listen loop outlives the subscribe context; only Unsubscribe or
	// Close stops it.
	listenCtx, cancel := context.WithCancel(context.Background())

	if _, err := conn.Exec(listenCtx, "LISTEN "+pgx.Identifier{query}.Sanitize()); err != nil {
		conn.Release()
		cancel()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Release()
		cancel()
		return ErrClosed
	}
	p.subs[tok] = &pgSub{channel: query, cancel: cancel}
	p.mu.Unlock()

	go p.listen(listenCtx, conn, tok, query, l)
	return nil
}

// listen delivers the token and then forwards notifications until the
// listener asks to stop, the subscription is cancelled, or the connection
// fails.
func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn, tok Token, channel string, l Listener[[]byte]) {
	defer conn.Release()
	defer p.drop(tok)

	l.OnToken(tok)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled via Unsubscribe or Close; not an error for the
				// listener, which has already moved on.
				return
			}
			p.log.Error("listen connection failed", "channel", channel, "token", int64(tok), "error", err)
			l.OnError(err)
			return
		}

		if !l.OnResult([]byte(notification.Payload)) {
			return
		}
	}
}

// Unsubscribe stops the live subscription identified by tok. Unknown
// tokens are ignored, matching the best-effort contract.
func (p *Postgres) Unsubscribe(ctx context.Context, tok Token) error {
	p.mu.Lock()
	sub, ok := p.subs[tok]
	if ok {
		delete(p.subs, tok)
	}
	p.mu.Unlock()

	if ok {
		sub.cancel()
	}
	return nil
}

// Fetch runs the SQL query and delivers each row to the listener as a JSON
// object keyed by column name. A positive limit bounds the number of rows
// delivered regardless of what the query returns.
func (p *Postgres) Fetch(ctx context.Context, query string, limit int, l Listener[[]byte]) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	count := 0

	for rows.Next() {
		if limit > 0 && count >= limit {
			break
		}

		values, err := rows.Values()
		if err != nil {
			return err
		}

		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[fd.Name] = values[i]
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}

		count++
		if !l.OnResult(payload) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	l.OnEnd()
	return nil
}

// Close stops all live subscriptions and prevents new ones.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[Token]*pgSub)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

// drop removes bookkeeping for a finished subscription.
func (p *Postgres) drop(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, tok)
}
