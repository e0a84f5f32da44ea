package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// extensionQuery mirrors the condominium platform's extension table. Values
// are trimmed at the source; the table is shared with the PBX provisioning
// tooling, which pads fixed-width columns.
const extensionQuery = `
SELECT
    extension_ia_id,
    TRIM(extension_ia_number),
    TRIM(extension_ia_return),
    TRIM(extension_ia_ip),
    extension_ia_number_port,
    extension_ia_return_port,
    condominium_id
FROM public.extension_ia
ORDER BY extension_ia_id`

const apartmentQuery = `
SELECT
    TRIM(a.apartment_number),
    TRIM(r.resident_name),
    TRIM(a.apartment_voip_number)
FROM public.apartment a
JOIN public.resident r ON r.apartment_id = a.apartment_id
WHERE TRIM(a.apartment_number) = $1
ORDER BY r.resident_id`

// PostgresStore reads the directory from the condominium platform database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to dsn and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Extensions implements [Store].
func (s *PostgresStore) Extensions(ctx context.Context) ([]Extension, error) {
	rows, err := s.pool.Query(ctx, extensionQuery)
	if err != nil {
		return nil, fmt.Errorf("directory: query extensions: %w", err)
	}
	exts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Extension, error) {
		var e Extension
		err := row.Scan(&e.ID, &e.IANumber, &e.ReturnNumber, &e.BindIP,
			&e.IAPort, &e.ReturnPort, &e.BuildingID)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("directory: scan extensions: %w", err)
	}
	return exts, nil
}

// Apartment implements [Store]. Residents come back in resident_id order so
// the first name is the primary contact.
func (s *PostgresStore) Apartment(ctx context.Context, apartment string) (*Entry, error) {
	rows, err := s.pool.Query(ctx, apartmentQuery, apartment)
	if err != nil {
		return nil, fmt.Errorf("directory: query apartment %q: %w", apartment, err)
	}
	type row struct {
		apartment string
		resident  string
		voip      string
	}
	recs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var rec row
		err := r.Scan(&rec.apartment, &rec.resident, &rec.voip)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("directory: scan apartment %q: %w", apartment, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("directory: apartment %q: %w", apartment, ErrNotFound)
	}
	entry := &Entry{
		Apartment:  recs[0].apartment,
		VoipNumber: NormalizeVoip(recs[0].voip),
	}
	for _, rec := range recs {
		entry.Residents = append(entry.Residents, rec.resident)
	}
	return entry, nil
}

// PostgresWatcher listens for extension change notifications on a dedicated
// connection and survives connection loss with backoff.
type PostgresWatcher struct {
	dsn     string
	channel string
	logger  *slog.Logger

	// backoff caps the reconnect delay. Doubles from 1 s up to this.
	backoff time.Duration
}

// NewPostgresWatcher returns a watcher for the given notification channel.
func NewPostgresWatcher(dsn, channel string, logger *slog.Logger) *PostgresWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWatcher{
		dsn:     dsn,
		channel: channel,
		logger:  logger,
		backoff: 30 * time.Second,
	}
}

// Watch implements [Watcher].
func (w *PostgresWatcher) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		delay := time.Second
		for {
			err := w.listen(ctx, out)
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("directory listener disconnected; reconnecting",
				"channel", w.channel, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > w.backoff {
				delay = w.backoff
			}
		}
	}()
	return out, nil
}

// listen holds one connection open, forwarding notifications until the
// connection or ctx fails.
func (w *PostgresWatcher) listen(ctx context.Context, out chan<- ChangeEvent) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{w.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", w.channel, err)
	}
	w.logger.Info("directory listener attached", "channel", w.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := ParseChangeEvent([]byte(n.Payload))
		if err != nil {
			w.logger.Warn("dropping malformed directory notification",
				"channel", w.channel, "error", err)
			continue
		}
		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseChangeEvent decodes one notification payload of the form
// {"action": "INSERT"|"UPDATE"|"DELETE", "data": {row}}.
func ParseChangeEvent(payload []byte) (*ChangeEvent, error) {
	var raw struct {
		Action Action          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("directory: decode notification: %w", err)
	}
	switch raw.Action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return nil, fmt.Errorf("directory: unknown notification action %q", raw.Action)
	}
	ev := &ChangeEvent{Action: raw.Action}
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &extensionRow{&ev.Extension}); err != nil {
			return nil, fmt.Errorf("directory: decode notification row: %w", err)
		}
	}
	return ev, nil
}

// extensionRow maps the database column names used in notification payloads
// onto an [Extension].
type extensionRow struct {
	ext *Extension
}

func (r *extensionRow) UnmarshalJSON(b []byte) error {
	var row struct {
		ID           int    `json:"extension_ia_id"`
		IANumber     string `json:"extension_ia_number"`
		ReturnNumber string `json:"extension_ia_return"`
		BindIP       string `json:"extension_ia_ip"`
		IAPort       int    `json:"extension_ia_number_port"`
		ReturnPort   int    `json:"extension_ia_return_port"`
		BuildingID   int    `json:"condominium_id"`
	}
	if err := json.Unmarshal(b, &row); err != nil {
		return err
	}
	*r.ext = Extension{
		ID:           row.ID,
		IANumber:     strings.TrimSpace(row.IANumber),
		ReturnNumber: strings.TrimSpace(row.ReturnNumber),
		BindIP:       strings.TrimSpace(row.BindIP),
		IAPort:       row.IAPort,
		ReturnPort:   row.ReturnPort,
		BuildingID:   row.BuildingID,
	}
	return nil
}
