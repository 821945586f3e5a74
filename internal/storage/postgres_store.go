package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// where accumulates numbered predicates; cond carries a single %d for the placeholder.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) raw(cond string) { w.conds = append(w.conds, cond) }

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func coordArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func coordFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- confirmations ---

const confirmationCols = `id, ride_id, trip_id, owner_id, passenger_id, status, created_at, updated_at, confirmed_at`

func scanConfirmation(s rowScanner) (models.Confirmation, error) {
	var (
		c           models.Confirmation
		ride, trip  sql.NullString
		status      string
		confirmedAt sql.NullTime
	)
	if err := s.Scan(&c.ID, &ride, &trip, &c.OwnerID, &c.PassengerID, &status, &c.CreatedAt, &c.UpdatedAt, &confirmedAt); err != nil {
		return c, err
	}
	c.RideID, c.TripID, c.Status = ride.String, trip.String, models.Status(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		c.ConfirmedAt = &t
	}
	return c, nil
}

func (p *PostgresStore) CreateConfirmation(ctx context.Context, c *models.Confirmation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO confirmations(`+confirmationCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, nullString(c.RideID), nullString(c.TripID), c.OwnerID, c.PassengerID, string(c.Status), c.CreatedAt, c.UpdatedAt, nullTime(c.ConfirmedAt))
	return translate(err)
}

func (p *PostgresStore) GetConfirmation(ctx context.Context, id string) (*models.Confirmation, error) {
	c, err := scanConfirmation(p.db.QueryRowContext(ctx, `SELECT `+confirmationCols+` FROM confirmations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (p *PostgresStore) FindConfirmations(ctx context.Context, f ConfirmationFilter) ([]models.Confirmation, error) {
	var w where
	if len(f.IDs) > 0 {
		w.add("id = ANY($%d)", pq.Array(f.IDs))
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.PassengerID != "" {
		w.add("passenger_id = $%d", f.PassengerID)
	}
	if f.Ref != nil {
		if f.Ref.Kind == models.KindRide {
			w.add("ride_id = $%d", f.Ref.ID)
		} else {
			w.add("trip_id = $%d", f.Ref.ID)
		}
	}
	if !f.UpdatedBefore.IsZero() {
		w.add("updated_at < $%d", f.UpdatedBefore)
	}
	q := `SELECT ` + confirmationCols + ` FROM confirmations` + w.String()
	if f.NewestFirst {
		q += ` ORDER BY updated_at DESC`
	} else {
		q += ` ORDER BY created_at, id`
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.Confirmation, 0)
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE confirmations SET status=$1, confirmed_at=$2, updated_at=$3 WHERE id=$4 AND status=$5`,
		string(ch.To), nullTime(ch.ConfirmedAt), ch.UpdatedAt, id, string(from))
	if err != nil {
		return false, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM confirmations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, translate(err)
		}
		if !exists {
			return false, ErrNotFound
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) BatchUpdateStatus(ctx context.Context, ids []string, from models.Status, ch models.StatusChange) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE confirmations SET status=$1, confirmed_at=$2, updated_at=$3 WHERE id = ANY($4) AND status=$5 RETURNING id`,
		string(ch.To), nullTime(ch.ConfirmedAt), ch.UpdatedAt, pq.Array(ids), string(from))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	updated := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

// --- rides and trips ---

const rideCols = `id, driver_id, from_name, from_lat, from_lon, to_name, to_lat, to_lon, departure_date_time, price, currency, negotiable, seats_available, created_at`

func scanRide(s rowScanner) (models.Ride, error) {
	var (
		r                              models.Ride
		fromLat, fromLon, toLat, toLon sql.NullFloat64
	)
	err := s.Scan(&r.ID, &r.DriverID, &r.From.Name, &fromLat, &fromLon, &r.To.Name, &toLat, &toLon,
		&r.DepartureDateTime, &r.Price, &r.Currency, &r.Negotiable, &r.SeatsAvailable, &r.CreatedAt)
	r.From.Coord = coordFrom(fromLat, fromLon)
	r.To.Coord = coordFrom(toLat, toLon)
	return r, err
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	fromLat, fromLon := coordArgs(r.From.Coord)
	toLat, toLon := coordArgs(r.To.Coord)
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.DriverID, r.From.Name, fromLat, fromLon, r.To.Name, toLat, toLon,
		r.DepartureDateTime, r.Price, r.Currency, r.Negotiable, r.SeatsAvailable, r.CreatedAt)
	return translate(err)
}

const tripCols = `id, traveler_id, from_airport, to_airport, travel_date, travel_time, price, currency, negotiable, created_at`

func scanTrip(s rowScanner) (models.Trip, error) {
	var t models.Trip
	err := s.Scan(&t.ID, &t.TravelerID, &t.FromAirport, &t.ToAirport, &t.TravelDate, &t.TravelTime, &t.Price, &t.Currency, &t.Negotiable, &t.CreatedAt)
	return t, err
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.TravelerID, t.FromAirport, t.ToAirport, t.TravelDate, t.TravelTime, t.Price, t.Currency, t.Negotiable, t.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) GetOffering(ctx context.Context, ref models.OfferingRef) (models.Offering, error) {
	var (
		off models.Offering
		err error
	)
	switch ref.Kind {
	case models.KindRide:
		var r models.Ride
		r, err = scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, ref.ID))
		off = &r
	case models.KindTrip:
		var t models.Trip
		t, err = scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id = $1`, ref.ID))
		off = &t
	default:
		return nil, ErrNotFound
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return off, nil
}

func (p *PostgresStore) FindRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	var w where
	if !f.DepartsAfter.IsZero() {
		w.add("departure_date_time > $%d", f.DepartsAfter)
	}
	if f.ExcludeOwner != "" {
		w.add("driver_id <> $%d", f.ExcludeOwner)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides`+w.String()+` ORDER BY departure_date_time`, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	var w where
	if f.FromAirport != "" {
		w.add("upper(from_airport) = upper($%d)", f.FromAirport)
	}
	if f.ToAirport != "" {
		w.add("upper(to_airport) = upper($%d)", f.ToAirport)
	}
	if f.OnOrAfter != "" {
		w.add("travel_date >= $%d", f.OnOrAfter)
	}
	if f.ExcludeOwner != "" {
		w.add("traveler_id <> $%d", f.ExcludeOwner)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripCols+` FROM trips`+w.String()+` ORDER BY travel_date`, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- requests ---

const rideRequestCols = `id, passenger_id, from_name, from_lat, from_lon, to_name, to_lat, to_lon, request_type, specific_date, multiple_dates, month, preferred_time, search_radius_miles, is_active, expires_at, created_at`

func (p *PostgresStore) SaveRideRequest(ctx context.Context, r *models.RideRequest) error {
	fromLat, fromLon := coordArgs(r.From.Coord)
	toLat, toLon := coordArgs(r.To.Coord)
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+rideRequestCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.PassengerID, r.From.Name, fromLat, fromLon, r.To.Name, toLat, toLon,
		string(r.Dates.Type), r.Dates.SpecificDate, pq.Array(r.Dates.MultipleDates), r.Dates.Month,
		r.PreferredTime, r.SearchRadiusMiles, r.IsActive, r.ExpiresAt, r.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) FindRideRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	var w where
	if !f.ActiveAt.IsZero() {
		w.raw("is_active")
		w.add("expires_at > $%d", f.ActiveAt)
	}
	if f.ExcludeUser != "" {
		w.add("passenger_id <> $%d", f.ExcludeUser)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideRequestCols+` FROM ride_requests`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		var (
			r                              models.RideRequest
			fromLat, fromLon, toLat, toLon sql.NullFloat64
			dateType                       string
		)
		if err := rows.Scan(&r.ID, &r.PassengerID, &r.From.Name, &fromLat, &fromLon, &r.To.Name, &toLat, &toLon,
			&dateType, &r.Dates.SpecificDate, pq.Array(&r.Dates.MultipleDates), &r.Dates.Month,
			&r.PreferredTime, &r.SearchRadiusMiles, &r.IsActive, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Dates.Type = models.DateType(dateType)
		r.From.Coord = coordFrom(fromLat, fromLon)
		r.To.Coord = coordFrom(toLat, toLon)
		out = append(out, r)
	}
	return out, rows.Err()
}

const tripRequestCols = `id, passenger_id, from_airport, to_airport, request_type, specific_date, multiple_dates, month, preferred_time, is_active, expires_at, created_at`

func (p *PostgresStore) SaveTripRequest(ctx context.Context, r *models.TripRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_requests(`+tripRequestCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.PassengerID, r.FromAirport, r.ToAirport,
		string(r.Dates.Type), r.Dates.SpecificDate, pq.Array(r.Dates.MultipleDates), r.Dates.Month,
		r.PreferredTime, r.IsActive, r.ExpiresAt, r.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) FindTripRequests(ctx context.Context, f RequestFilter) ([]models.TripRequest, error) {
	var w where
	if !f.ActiveAt.IsZero() {
		w.raw("is_active")
		w.add("expires_at > $%d", f.ActiveAt)
	}
	if f.ExcludeUser != "" {
		w.add("passenger_id <> $%d", f.ExcludeUser)
	}
	if f.FromAirport != "" {
		w.add("upper(from_airport) = upper($%d)", f.FromAirport)
	}
	if f.ToAirport != "" {
		w.add("upper(to_airport) = upper($%d)", f.ToAirport)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripRequestCols+` FROM trip_requests`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.TripRequest, 0)
	for rows.Next() {
		var (
			r        models.TripRequest
			dateType string
		)
		if err := rows.Scan(&r.ID, &r.PassengerID, &r.FromAirport, &r.ToAirport,
			&dateType, &r.Dates.SpecificDate, pq.Array(&r.Dates.MultipleDates), &r.Dates.Month,
			&r.PreferredTime, &r.IsActive, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Dates.Type = models.DateType(dateType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"ride_requests", "trip_requests"} {
		res, err := p.db.ExecContext(ctx, `UPDATE `+table+` SET is_active = FALSE WHERE is_active AND expires_at <= $1`, now)
		if err != nil {
			return total, translate(err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- preferences ---

const preferenceCols = `id, user_id, kind, type, source_id, from_name, from_lat, from_lon, to_name, to_lat, to_lon, request_type, specific_date, multiple_dates, month, search_radius_miles, is_active, expires_at, created_at`

func (p *PostgresStore) SavePreference(ctx context.Context, pref *models.NotificationPreference) error {
	fromLat, fromLon := coordArgs(pref.From.Coord)
	toLat, toLon := coordArgs(pref.To.Coord)
	_, err := p.db.ExecContext(ctx, `INSERT INTO notification_preferences(`+preferenceCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		pref.ID, pref.UserID, string(pref.Kind), string(pref.Type), pref.SourceID,
		pref.From.Name, fromLat, fromLon, pref.To.Name, toLat, toLon,
		string(pref.Dates.Type), pref.Dates.SpecificDate, pq.Array(pref.Dates.MultipleDates), pref.Dates.Month,
		pref.SearchRadiusMiles, pref.IsActive, pref.ExpiresAt, pref.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) FindPreferences(ctx context.Context, f PreferenceFilter) ([]models.NotificationPreference, error) {
	var w where
	if f.Kind != "" {
		w.add("kind = $%d", string(f.Kind))
	}
	if f.Type != "" {
		w.add("type = $%d", string(f.Type))
	}
	if !f.ActiveAt.IsZero() {
		w.raw("is_active")
		w.add("expires_at > $%d", f.ActiveAt)
	}
	if f.ExcludeUser != "" {
		w.add("user_id <> $%d", f.ExcludeUser)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+preferenceCols+` FROM notification_preferences`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.NotificationPreference, 0)
	for rows.Next() {
		var (
			pref                           models.NotificationPreference
			kind, typ, dateType            string
			fromLat, fromLon, toLat, toLon sql.NullFloat64
		)
		if err := rows.Scan(&pref.ID, &pref.UserID, &kind, &typ, &pref.SourceID,
			&pref.From.Name, &fromLat, &fromLon, &pref.To.Name, &toLat, &toLon,
			&dateType, &pref.Dates.SpecificDate, pq.Array(&pref.Dates.MultipleDates), &pref.Dates.Month,
			&pref.SearchRadiusMiles, &pref.IsActive, &pref.ExpiresAt, &pref.CreatedAt); err != nil {
			return nil, err
		}
		pref.Kind = models.OfferingKind(kind)
		pref.Type = models.PreferenceType(typ)
		pref.Dates.Type = models.DateType(dateType)
		pref.From.Coord = coordFrom(fromLat, fromLon)
		pref.To.Coord = coordFrom(toLat, toLon)
		out = append(out, pref)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateExpiredPreferences(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notification_preferences SET is_active = FALSE WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

// --- notifications and profiles ---

func (p *PostgresStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	var data sql.NullString
	if len(n.Data) > 0 {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("encode notification data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications(id, sender_id, receiver_id, action, actor_role, ride_id, trip_id, confirmation_id, content, data, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.SenderID, n.ReceiverID, string(n.Action), string(n.ActorRole), n.RideID, n.TripID, n.ConfirmationID, n.Content, data, n.CreatedAt)
	return translate(err)
}

func (p *PostgresStore) HasNotification(ctx context.Context, confirmationID string, action models.Action) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE confirmation_id = $1 AND action = $2)`,
		confirmationID, string(action)).Scan(&exists)
	return exists, translate(err)
}

func (p *PostgresStore) ListNotifications(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, sender_id, receiver_id, action, actor_role, ride_id, trip_id, confirmation_id, content, data, created_at
		FROM notifications WHERE receiver_id = $1 ORDER BY created_at DESC LIMIT $2`, receiverID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n            models.Notification
			action, role string
			data         []byte
		)
		if err := rows.Scan(&n.ID, &n.SenderID, &n.ReceiverID, &action, &role, &n.RideID, &n.TripID, &n.ConfirmationID, &n.Content, &data, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Action, n.ActorRole = models.Action(action), models.ActorRole(role)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification %s data: %w", n.ID, err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveProfile(ctx context.Context, pr *models.Profile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO profiles(user_id, full_name, auth_name, email) VALUES($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE SET full_name = EXCLUDED.full_name, auth_name = EXCLUDED.auth_name, email = EXCLUDED.email`,
		pr.UserID, pr.FullName, pr.AuthName, pr.Email)
	return translate(err)
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var pr models.Profile
	err := p.db.QueryRowContext(ctx, `SELECT user_id, full_name, auth_name, email FROM profiles WHERE user_id = $1`, userID).
		Scan(&pr.UserID, &pr.FullName, &pr.AuthName, &pr.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &pr, nil
}
