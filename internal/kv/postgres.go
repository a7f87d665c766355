package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres keeps strings, lists and sets in three tables. List order is held
// by a signed position column so pushes at either end never renumber rows.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

var schema = []string{
	`create table if not exists kv_strings (
		key text primary key,
		value text not null,
		expires_at timestamptz
	)`,
	`create table if not exists kv_lists (
		key text not null,
		pos bigint not null,
		value text not null,
		primary key (key, pos)
	)`,
	`create table if not exists kv_sets (
		key text not null,
		member text not null,
		primary key (key, member)
	)`,
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure kv schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.db.QueryRow(ctx, `
		select value from kv_strings
		where key = $1 and (expires_at is null or expires_at > now())
	`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.Exec(ctx, `
		insert into kv_strings (key, value, expires_at) values ($1, $2, null)
		on conflict (key) do update set value = excluded.value, expires_at = null
	`, key, value)
	return err
}

func (p *Postgres) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := p.db.QueryRow(ctx, `
		with s as (delete from kv_strings where key = any($1) returning key),
		     l as (delete from kv_lists where key = any($1) returning key),
		     m as (delete from kv_sets where key = any($1) returning key)
		select count(*) from (select key from s union select key from l union select key from m) d
	`, keys).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Postgres) Incr(ctx context.Context, key string) (int64, error) {
	var raw string
	err := p.db.QueryRow(ctx, `
		insert into kv_strings (key, value) values ($1, '1')
		on conflict (key) do update set value = (kv_strings.value::bigint + 1)::text
		returning value
	`, key).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Expire only applies to string keys; lists and sets never carry a ttl here.
func (p *Postgres) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		update kv_strings set expires_at = now() + make_interval(secs => $2)
		where key = $1
	`, key, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		select key from kv_strings where key like $1 and (expires_at is null or expires_at > now())
		union
		select distinct key from kv_lists where key like $1
		union
		select distinct key from kv_sets where key like $1
		order by 1
	`, globToLike(pattern))
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (p *Postgres) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	if _, err := p.db.Exec(ctx, `
		insert into kv_lists (key, pos, value)
		select $1, coalesce((select min(pos) from kv_lists where key = $1), 0) - t.ord, t.v
		from unnest($2::text[]) with ordinality as t(v, ord)
	`, key, values); err != nil {
		return 0, err
	}
	return p.llen(ctx, key)
}

func (p *Postgres) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	if _, err := p.db.Exec(ctx, `
		insert into kv_lists (key, pos, value)
		select $1, coalesce((select max(pos) from kv_lists where key = $1), 0) + t.ord, t.v
		from unnest($2::text[]) with ordinality as t(v, ord)
	`, key, values); err != nil {
		return 0, err
	}
	return p.llen(ctx, key)
}

func (p *Postgres) llen(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, `select count(*) from kv_lists where key = $1`, key).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Postgres) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	rows, err := p.db.Query(ctx, `select value from kv_lists where key = $1 order by pos`, key)
	if err != nil {
		return nil, err
	}
	items, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	return sliceRange(items, start, stop), nil
}

func (p *Postgres) LTrim(ctx context.Context, key string, start, stop int64) error {
	n, err := p.llen(ctx, key)
	if err != nil {
		return err
	}
	lo, hi := listBounds(start, stop, n)
	_, err = p.db.Exec(ctx, `
		delete from kv_lists l
		using (
			select pos, row_number() over (order by pos) - 1 as idx
			from kv_lists where key = $1
		) r
		where l.key = $1 and l.pos = r.pos and (r.idx < $2 or r.idx >= $3)
	`, key, lo, hi)
	return err
}

func (p *Postgres) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case count == 0:
		tag, err = p.db.Exec(ctx, `delete from kv_lists where key = $1 and value = $2`, key, value)
	case count > 0:
		tag, err = p.db.Exec(ctx, `
			delete from kv_lists where key = $1 and pos in (
				select pos from kv_lists where key = $1 and value = $2 order by pos limit $3
			)
		`, key, value, count)
	default:
		tag, err = p.db.Exec(ctx, `
			delete from kv_lists where key = $1 and pos in (
				select pos from kv_lists where key = $1 and value = $2 order by pos desc limit $3
			)
		`, key, value, -count)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	tag, err := p.db.Exec(ctx, `
		insert into kv_sets (key, member)
		select $1, m from unnest($2::text[]) as m
		on conflict do nothing
	`, key, members)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	tag, err := p.db.Exec(ctx, `delete from kv_sets where key = $1 and member = any($2)`, key, members)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.db.Query(ctx, `select member from kv_sets where key = $1 order by member`, key)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// globToLike maps the Redis glob subset used for key scans (* and ?) onto SQL LIKE.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
