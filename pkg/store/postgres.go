package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/voxstage/voxstage/pkg/transcript"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a Store backed by PostgreSQL. Transcripts and media are stored
// as JSONB, audio as BYTEA.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// OpenPostgres connects, pings, and runs pending migrations.
func OpenPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := migrate(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  log.With().Str("component", "store").Logger(),
	}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (p *Postgres) SaveOrUpdateSession(ctx context.Context, s *Session) error {
	mainJSON, fanJSON, judgeJSON, mediaJSON, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, title, status, main_transcript, fan_transcript, judge_transcript,
			config, podcast_audio, mic_audio, media, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			main_transcript = EXCLUDED.main_transcript,
			fan_transcript = EXCLUDED.fan_transcript,
			judge_transcript = EXCLUDED.judge_transcript,
			config = EXCLUDED.config,
			podcast_audio = EXCLUDED.podcast_audio,
			mic_audio = EXCLUDED.mic_audio,
			media = EXCLUDED.media,
			updated_at = now()`,
		s.ID, s.Title, string(s.Status), mainJSON, fanJSON, judgeJSON,
		nullableJSON(s.Config), s.PodcastAudio, s.MicAudio, mediaJSON)
	return err
}

const sessionColumns = `id, title, status, main_transcript, fan_transcript, judge_transcript,
	config, podcast_audio, mic_audio, media, updated_at`

func (p *Postgres) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *Postgres) GetAllSessions(ctx context.Context) ([]*Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'complete' ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) FindIncompleteSession(ctx context.Context) (*Session, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'incomplete' ORDER BY id DESC LIMIT 1`)
	return scanSession(row)
}

func (p *Postgres) DeleteSession(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, voice, persona FROM hosts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.ID, &h.Name, &h.Voice, &h.Persona); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveHost(ctx context.Context, h *Host) error {
	if h.ID == 0 {
		return p.pool.QueryRow(ctx,
			`INSERT INTO hosts (name, voice, persona) VALUES ($1, $2, $3) RETURNING id`,
			h.Name, h.Voice, h.Persona).Scan(&h.ID)
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE hosts SET name = $2, voice = $3, persona = $4 WHERE id = $1`,
		h.ID, h.Name, h.Voice, h.Persona)
	return err
}

func (p *Postgres) DeleteHost(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListVirtualSets(ctx context.Context) ([]VirtualSet, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, prompt, mime_type, image FROM virtual_sets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VirtualSet
	for rows.Next() {
		var v VirtualSet
		if err := rows.Scan(&v.ID, &v.Name, &v.Prompt, &v.MimeType, &v.Image); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveVirtualSet(ctx context.Context, v *VirtualSet) error {
	if v.ID == 0 {
		return p.pool.QueryRow(ctx,
			`INSERT INTO virtual_sets (name, prompt, mime_type, image) VALUES ($1, $2, $3, $4) RETURNING id`,
			v.Name, v.Prompt, v.MimeType, v.Image).Scan(&v.ID)
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE virtual_sets SET name = $2, prompt = $3, mime_type = $4, image = $5 WHERE id = $1`,
		v.ID, v.Name, v.Prompt, v.MimeType, v.Image)
	return err
}

func (p *Postgres) DeleteVirtualSet(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM virtual_sets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (p *Postgres) SetValue(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (p *Postgres) DeleteValue(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func marshalSessionJSON(s *Session) (mainJSON, fanJSON, judgeJSON, mediaJSON []byte, err error) {
	if mainJSON, err = json.Marshal(orEmptyTurns(s.MainTranscript)); err != nil {
		return
	}
	if fanJSON, err = json.Marshal(orEmptyTurns(s.FanTranscript)); err != nil {
		return
	}
	if judgeJSON, err = json.Marshal(orEmptyTurns(s.JudgeTranscript)); err != nil {
		return
	}
	media := s.Media
	if media == nil {
		media = []MediaItem{}
	}
	mediaJSON, err = json.Marshal(media)
	return
}

func orEmptyTurns(turns []transcript.Turn) []transcript.Turn {
	if turns == nil {
		return []transcript.Turn{}
	}
	return turns
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s          Session
		status     string
		mainJSON   []byte
		fanJSON    []byte
		judgeJSON  []byte
		configJSON []byte
		mediaJSON  []byte
	)
	err := row.Scan(&s.ID, &s.Title, &status, &mainJSON, &fanJSON, &judgeJSON,
		&configJSON, &s.PodcastAudio, &s.MicAudio, &mediaJSON, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	if err := json.Unmarshal(mainJSON, &s.MainTranscript); err != nil {
		return nil, fmt.Errorf("store: decode main transcript: %w", err)
	}
	if err := json.Unmarshal(fanJSON, &s.FanTranscript); err != nil {
		return nil, fmt.Errorf("store: decode fan transcript: %w", err)
	}
	if err := json.Unmarshal(judgeJSON, &s.JudgeTranscript); err != nil {
		return nil, fmt.Errorf("store: decode judge transcript: %w", err)
	}
	if err := json.Unmarshal(mediaJSON, &s.Media); err != nil {
		return nil, fmt.Errorf("store: decode media: %w", err)
	}
	if len(configJSON) > 0 {
		s.Config = json.RawMessage(configJSON)
	}
	return &s, nil
}
