package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tazhate/groupcal/internal/domain"
)

// === Groups ===

func (s *Storage) UpsertGroup(ctx context.Context, g *domain.Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, color) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color`,
		g.ID, g.Name, g.Color,
	)
	return err
}

func (s *Storage) GetGroup(ctx context.Context, id int64) (*domain.Group, error) {
	g := &domain.Group{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(color, '') FROM groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Color)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// === Group members ===

const memberColumns = `membership_id, member_id, group_id, name, COALESCE(photo, ''), COALESCE(gender, ''),
	owner_flag, leader_flag, COALESCE(telegram_id, 0), live_lat, live_lng, live_battery, live_gps_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(r rowScanner) (domain.GroupMember, error) {
	var (
		m        domain.GroupMember
		owner    string
		leader   string
		lat, lng sql.NullFloat64
		battery  sql.NullInt64
		gpsTime  sql.NullTime
	)
	err := r.Scan(&m.MembershipID, &m.MemberID, &m.GroupID, &m.Name, &m.Photo, &m.Gender,
		&owner, &leader, &m.TelegramID, &lat, &lng, &battery, &gpsTime)
	if err != nil {
		return m, err
	}
	m.OwnerFlag = domain.Flag(owner)
	m.LeaderFlag = domain.Flag(leader)
	if lat.Valid && lng.Valid {
		m.Live = &domain.LivePosition{Lat: lat.Float64, Lng: lng.Float64, Battery: int(battery.Int64)}
		if gpsTime.Valid {
			m.Live.GPSTime = gpsTime.Time
		}
	}
	return m, nil
}

// GetMembers returns the roster of a group with live positions.
func (s *Storage) GetMembers(ctx context.Context, groupID int64) ([]domain.GroupMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = ? ORDER BY membership_id`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMember returns a member of a group by member id.
func (s *Storage) GetMember(ctx context.Context, groupID, memberID int64) (*domain.GroupMember, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = ? AND member_id = ?`, groupID, memberID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemberByTelegramID returns the first membership linked to a Telegram
// chat, or nil.
func (s *Storage) GetMemberByTelegramID(ctx context.Context, telegramID int64) (*domain.GroupMember, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE telegram_id = ? ORDER BY membership_id LIMIT 1`, telegramID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMember inserts or updates a roster entry. The live position is
// left untouched.
func (s *Storage) UpsertMember(ctx context.Context, m *domain.GroupMember) error {
	owner, leader := m.OwnerFlag, m.LeaderFlag
	if owner == "" {
		owner = domain.FlagNo
	}
	if leader == "" {
		leader = domain.FlagNo
	}
	var telegramID any
	if m.TelegramID != 0 {
		telegramID = m.TelegramID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (membership_id, member_id, group_id, name, photo, gender, owner_flag, leader_flag, telegram_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(membership_id) DO UPDATE SET
			member_id = excluded.member_id, group_id = excluded.group_id, name = excluded.name,
			photo = excluded.photo, gender = excluded.gender, owner_flag = excluded.owner_flag,
			leader_flag = excluded.leader_flag, telegram_id = excluded.telegram_id`,
		m.MembershipID, m.MemberID, m.GroupID, m.Name, m.Photo, m.Gender, string(owner), string(leader), telegramID,
	)
	if err != nil {
		return fmt.Errorf("upsert member %d: %w", m.MembershipID, err)
	}
	return nil
}

// UpdateLivePosition stores the last GPS fix of a member in every group
// they belong to.
func (s *Storage) UpdateLivePosition(ctx context.Context, memberID int64, pos domain.LivePosition) error {
	if pos.GPSTime.IsZero() {
		pos.GPSTime = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE group_members SET live_lat = ?, live_lng = ?, live_battery = ?, live_gps_time = ? WHERE member_id = ?`,
		pos.Lat, pos.Lng, pos.Battery, pos.GPSTime.UTC(), memberID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d: %w", memberID, domain.ErrUnknownMember)
	}
	return nil
}

func (s *Storage) DeleteMember(ctx context.Context, membershipID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE membership_id = ?`, membershipID)
	return err
}
