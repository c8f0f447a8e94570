package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "rutanav/internal/geo"
    "rutanav/internal/model"
)

// Postgres persists the route machine in the original Spanish table layout:
// rutas_entrega, ruta_paradas, checklists, evidencias_entrega, envios,
// notas_venta. Row locks (FOR UPDATE) give at-most-once transition
// semantics under concurrent drivers.
type Postgres struct {
    db   *sql.DB
    gate ChecklistGate
}

func NewPostgres(dsn string, gate ChecklistGate) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db, gate: gate}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Statements are
// idempotent (CREATE TABLE IF NOT EXISTS) so reapplying is safe.
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { files = append(files, e.Name()) }
    }
    sort.Strings(files)
    for _, f := range files {
        raw, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil { return err }
        if _, err := p.db.Exec(string(raw)); err != nil {
            return fmt.Errorf("migration %s: %w", f, err)
        }
    }
    return nil
}

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}

func toJSON(v any) []byte {
    b, _ := json.Marshal(v)
    return b
}

func tsOrEmpty(t sql.NullTime) string {
    if !t.Valid { return "" }
    return t.Time.UTC().Format(time.RFC3339)
}

// ---- Routes ----

func (p *Postgres) CreateRoute(ctx context.Context, in model.RouteCreate) (model.Route, error) {
    if in.DriverID == "" { return model.Route{}, fmt.Errorf("%w: driverId required", ErrValidation) }
    if len(in.Stops) == 0 { return model.Route{}, fmt.Errorf("%w: route requires at least one stop", ErrValidation) }
    seen := map[string]struct{}{}
    for _, s := range in.Stops {
        if s.ShipmentID == "" { return model.Route{}, fmt.Errorf("%w: stop missing shipmentId", ErrValidation) }
        if _, dup := seen[s.ShipmentID]; dup {
            return model.Route{}, fmt.Errorf("%w: duplicate shipment %s", ErrValidation, s.ShipmentID)
        }
        seen[s.ShipmentID] = struct{}{}
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Route{}, err }
    defer func(){ _ = tx.Rollback() }()

    now := time.Now().UTC()
    routeID := uuid.New().String()
    code := newRouteCode(now)

    var prev *model.GeoPoint
    var totalDist, totalWeight float64
    type stopRow struct {
        id   string
        in   model.StopIn
        loc  *model.GeoPoint
        dist float64
    }
    rows := make([]stopRow, 0, len(in.Stops))
    for _, s := range in.Stops {
        var estado string
        var peso float64
        var lat, lng sql.NullFloat64
        err := tx.QueryRowContext(ctx, `SELECT estado, COALESCE(peso_total,0), lat_destino, lng_destino FROM envios WHERE id=$1 FOR UPDATE`, s.ShipmentID).
            Scan(&estado, &peso, &lat, &lng)
        if errors.Is(err, sql.ErrNoRows) {
            return model.Route{}, fmt.Errorf("%w: shipment %s", ErrNotFound, s.ShipmentID)
        }
        if err != nil { return model.Route{}, err }
        if estado != model.ShipmentPending {
            return model.Route{}, fmt.Errorf("%w: shipment %s is %s, not pending", ErrInvalidState, s.ShipmentID, estado)
        }
        loc := s.Location
        if loc == nil && lat.Valid && lng.Valid { loc = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64} }
        dist := 0.0
        if prev != nil && loc != nil {
            dist = geo.HaversineMeters(prev.Lat, prev.Lng, loc.Lat, loc.Lng)
            totalDist += dist
        }
        if loc != nil { prev = loc }
        totalWeight += peso
        rows = append(rows, stopRow{id: uuid.New().String(), in: s, loc: loc, dist: dist})
    }

    _, err = tx.ExecContext(ctx, `INSERT INTO rutas_entrega (id, codigo, transportista_id, vehiculo_id, fecha_programada, estado, distancia_total, total_paradas, peso_total, observaciones)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
        routeID, code, in.DriverID, nullIfEmpty(in.VehicleID), nullIfEmpty(in.ScheduledDate), model.RouteProgrammed, totalDist, len(in.Stops), totalWeight, nullIfEmpty(in.Notes))
    if err != nil { return model.Route{}, err }

    for i, r := range rows {
        var lat, lng any
        if r.loc != nil { lat, lng = r.loc.Lat, r.loc.Lng }
        _, err = tx.ExecContext(ctx, `INSERT INTO ruta_paradas (id, ruta_entrega_id, envio_id, orden, estado, lat_destino, lng_destino, distancia_desde_anterior, observaciones)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
            r.id, routeID, r.in.ShipmentID, i+1, model.StopPending, lat, lng, r.dist, nullIfEmpty(r.in.Notes))
        if err != nil { return model.Route{}, err }
        _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, ruta_entrega_id=$2, reasignar=false WHERE id=$3`, model.ShipmentAssigned, routeID, r.in.ShipmentID)
        if err != nil { return model.Route{}, err }
    }
    if err := tx.Commit(); err != nil { return model.Route{}, err }
    return p.GetRoute(ctx, routeID)
}

func (p *Postgres) scanRoute(row interface{ Scan(...any) error }) (model.Route, error) {
    var r model.Route
    var veh, fecha, obs sql.NullString
    var salida, fin, pos sql.NullTime
    var lat, lng sql.NullFloat64
    err := row.Scan(&r.ID, &r.Code, &r.DriverID, &veh, &fecha, &r.State, &salida, &fin, &r.TotalDistanceM, &r.TotalStops, &r.TotalWeightKg, &obs, &lat, &lng, &pos)
    if err != nil { return model.Route{}, err }
    r.VehicleID = veh.String
    r.ScheduledDate = fecha.String
    r.Notes = obs.String
    r.DepartedAt = tsOrEmpty(salida)
    r.CompletedAt = tsOrEmpty(fin)
    r.LastPositionAt = tsOrEmpty(pos)
    if lat.Valid { v := lat.Float64; r.LastLat = &v }
    if lng.Valid { v := lng.Float64; r.LastLng = &v }
    return r, nil
}

const routeCols = `id::text, codigo, transportista_id::text, vehiculo_id::text, fecha_programada::text, estado, hora_salida, hora_fin, COALESCE(distancia_total,0), COALESCE(total_paradas,0), COALESCE(peso_total,0), observaciones, ultima_lat, ultima_lng, ultima_posicion_at`

func (p *Postgres) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
    r, err := p.scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM rutas_entrega WHERE id=$1`, routeID))
    if errors.Is(err, sql.ErrNoRows) { return model.Route{}, ErrNotFound }
    if err != nil { return model.Route{}, err }
    stops, err := p.routeStops(ctx, routeID)
    if err != nil { return model.Route{}, err }
    r.Stops = stops
    deriveStopStates(&r)
    return r, nil
}

func (p *Postgres) routeStops(ctx context.Context, routeID string) ([]model.Stop, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, ruta_entrega_id::text, envio_id::text, orden, estado, hora_llegada, hora_entrega, lat_llegada, lng_llegada, lat_destino, lng_destino, COALESCE(distancia_desde_anterior,0), nombre_receptor, cargo_receptor, dni_receptor, observaciones
        FROM ruta_paradas WHERE ruta_entrega_id=$1 ORDER BY orden ASC`, routeID)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []model.Stop
    for rows.Next() {
        var s model.Stop
        var llegada, entrega sql.NullTime
        var latA, lngA, latD, lngD sql.NullFloat64
        var nom, cargo, dni, obs sql.NullString
        if err := rows.Scan(&s.ID, &s.RouteID, &s.ShipmentID, &s.Order, &s.State, &llegada, &entrega, &latA, &lngA, &latD, &lngD, &s.DistFromPrevM, &nom, &cargo, &dni, &obs); err != nil {
            return nil, err
        }
        s.ArrivedAt = tsOrEmpty(llegada)
        s.DeliveredAt = tsOrEmpty(entrega)
        if latA.Valid && lngA.Valid { s.ArrivalPos = &model.GeoPoint{Lat: latA.Float64, Lng: lngA.Float64} }
        if latD.Valid && lngD.Valid { s.Location = &model.GeoPoint{Lat: latD.Float64, Lng: lngD.Float64} }
        s.ReceiverName, s.ReceiverRole, s.ReceiverDNI = nom.String, cargo.String, dni.String
        s.Notes = obs.String
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) listRoutesWhere(ctx context.Context, where string, args ...any) ([]model.Route, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+routeCols+` FROM rutas_entrega `+where+` ORDER BY codigo`, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Route{}
    for rows.Next() {
        r, err := p.scanRoute(rows)
        if err != nil { return nil, err }
        out = append(out, r)
    }
    if err := rows.Err(); err != nil { return nil, err }
    for i := range out {
        stops, err := p.routeStops(ctx, out[i].ID)
        if err != nil { return nil, err }
        out[i].Stops = stops
        deriveStopStates(&out[i])
    }
    return out, nil
}

func (p *Postgres) ListRoutesByDriver(ctx context.Context, driverID string) ([]model.Route, error) {
    return p.listRoutesWhere(ctx, `WHERE transportista_id=$1`, driverID)
}

func (p *Postgres) ListRoutes(ctx context.Context, state, date string) ([]model.Route, error) {
    where := []string{}
    args := []any{}
    if state != "" { args = append(args, state); where = append(where, fmt.Sprintf("estado=$%d", len(args))) }
    if date != "" { args = append(args, date); where = append(where, fmt.Sprintf("fecha_programada=$%d", len(args))) }
    clause := ""
    if len(where) > 0 { clause = "WHERE " + strings.Join(where, " AND ") }
    return p.listRoutesWhere(ctx, clause, args...)
}

func (p *Postgres) DeleteRoute(ctx context.Context, routeID string) error {
    // ruta_paradas, checklists, and evidencias_entrega cascade on the FK
    res, err := p.db.ExecContext(ctx, `DELETE FROM rutas_entrega WHERE id=$1`, routeID)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) RouteSummary(ctx context.Context, routeID string) (model.RouteSummary, error) {
    r, err := p.GetRoute(ctx, routeID)
    if err != nil { return model.RouteSummary{}, err }
    sum := model.RouteSummary{Route: r}
    cls, err := p.ListChecklists(ctx, routeID)
    if err != nil { return model.RouteSummary{}, err }
    sum.Checklists = cls
    for _, s := range r.Stops {
        evs, err := p.ListEvidenceByStop(ctx, s.ID)
        if err != nil { return model.RouteSummary{}, err }
        sum.Evidence = append(sum.Evidence, evs...)
        if s.State == model.StopDelivered { sum.Stats.DeliveredStops++ } else { sum.Stats.PendingStops++ }
    }
    if r.DepartedAt != "" && r.CompletedAt != "" {
        d, err1 := time.Parse(time.RFC3339, r.DepartedAt)
        c, err2 := time.Parse(time.RFC3339, r.CompletedAt)
        if err1 == nil && err2 == nil { sum.Stats.DurationMinutes = c.Sub(d).Minutes() }
    }
    return sum, nil
}

func (p *Postgres) RouteStats(ctx context.Context, from, to string) (model.RouteStats, error) {
    st := model.RouteStats{ByState: map[string]int{}}
    where := []string{}
    args := []any{}
    if from != "" { args = append(args, from); where = append(where, fmt.Sprintf("fecha_programada>=$%d", len(args))) }
    if to != "" { args = append(args, to); where = append(where, fmt.Sprintf("fecha_programada<=$%d", len(args))) }
    clause := ""
    if len(where) > 0 { clause = "WHERE " + strings.Join(where, " AND ") }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, estado, COALESCE(total_paradas,0) FROM rutas_entrega `+clause, args...)
    if err != nil { return model.RouteStats{}, err }
    defer rows.Close()
    for rows.Next() {
        var id, estado string
        var paradas int
        if err := rows.Scan(&id, &estado, &paradas); err != nil { return model.RouteStats{}, err }
        st.Total++
        st.ByState[estado]++
        st.TotalStops += paradas
        if estado == model.RouteEnRoute { st.ActiveIDs = append(st.ActiveIDs, id) }
    }
    if err := rows.Err(); err != nil { return model.RouteStats{}, err }
    args = append(args, model.StopDelivered)
    dq := `SELECT COUNT(*) FROM ruta_paradas rp JOIN rutas_entrega r ON r.id=rp.ruta_entrega_id `
    if clause == "" {
        dq += fmt.Sprintf(`WHERE rp.estado=$%d`, len(args))
    } else {
        dq += clause + fmt.Sprintf(` AND rp.estado=$%d`, len(args))
    }
    if err := p.db.QueryRowContext(ctx, dq, args...).Scan(&st.Delivered); err != nil {
        return model.RouteStats{}, err
    }
    sort.Strings(st.ActiveIDs)
    return st, nil
}

// ---- Route transitions ----

// lockRoute reads the route row under FOR UPDATE inside tx.
func lockRoute(ctx context.Context, tx *sql.Tx, routeID string) (string, error) {
    var estado string
    err := tx.QueryRowContext(ctx, `SELECT estado FROM rutas_entrega WHERE id=$1 FOR UPDATE`, routeID).Scan(&estado)
    if errors.Is(err, sql.ErrNoRows) { return "", ErrNotFound }
    return estado, err
}

func (p *Postgres) AcceptRoute(ctx context.Context, routeID string, req model.AcceptRequest) (model.Route, []model.SalesNote, error) {
    if req.DriverName == "" {
        return model.Route{}, nil, fmt.Errorf("%w: driverName required", ErrValidation)
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Route{}, nil, err }
    defer func(){ _ = tx.Rollback() }()
    estado, err := lockRoute(ctx, tx, routeID)
    if err != nil { return model.Route{}, nil, err }
    if err := canAcceptRoute(estado); err != nil { return model.Route{}, nil, err }
    note := fmt.Sprintf("Aceptada por %s", req.DriverName)
    if req.DriverContact != "" { note += " (" + req.DriverContact + ")" }
    _, err = tx.ExecContext(ctx, `UPDATE rutas_entrega SET estado=$1, observaciones=CASE WHEN observaciones IS NULL OR observaciones='' THEN $2 ELSE observaciones || E'\n' || $2 END WHERE id=$3`,
        model.RouteAccepted, note, routeID)
    if err != nil { return model.Route{}, nil, err }
    var notes []model.SalesNote
    rows, err := tx.QueryContext(ctx, `SELECT e.id::text, e.codigo, COALESCE(e.precio_total,0) FROM envios e JOIN ruta_paradas rp ON rp.envio_id=e.id WHERE rp.ruta_entrega_id=$1 ORDER BY rp.orden FOR UPDATE OF e`, routeID)
    if err != nil { return model.Route{}, nil, err }
    type env struct{ id, code string; price float64 }
    var envs []env
    for rows.Next() {
        var e env
        if err := rows.Scan(&e.id, &e.code, &e.price); err != nil { rows.Close(); return model.Route{}, nil, err }
        envs = append(envs, e)
    }
    rows.Close()
    if err := rows.Err(); err != nil { return model.Route{}, nil, err }
    for _, e := range envs {
        _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1 WHERE id=$2`, model.ShipmentAccepted, e.id)
        if err != nil { return model.Route{}, nil, err }
        n, created, err := insertNoteTx(ctx, tx, e.id, e.code, e.price)
        if err != nil { return model.Route{}, nil, err }
        if created { notes = append(notes, n) }
    }
    if err := tx.Commit(); err != nil { return model.Route{}, nil, err }
    r, err := p.GetRoute(ctx, routeID)
    return r, notes, err
}

// insertNoteTx generates the shipment's sales note once; a second call finds
// the existing row and reports created=false.
func insertNoteTx(ctx context.Context, tx *sql.Tx, shipmentID, code string, total float64) (model.SalesNote, bool, error) {
    var existing model.SalesNote
    var created sql.NullTime
    err := tx.QueryRowContext(ctx, `SELECT id::text, numero, envio_id::text, COALESCE(total,0), creado_at FROM notas_venta WHERE envio_id=$1`, shipmentID).
        Scan(&existing.ID, &existing.Number, &existing.ShipmentID, &existing.Total, &created)
    if err == nil {
        existing.CreatedAt = tsOrEmpty(created)
        return existing, false, nil
    }
    if !errors.Is(err, sql.ErrNoRows) { return model.SalesNote{}, false, err }
    now := time.Now().UTC()
    n := model.SalesNote{
        ID:         uuid.New().String(),
        Number:     newNoteNumber(now, code),
        ShipmentID: shipmentID,
        Total:      total,
        CreatedAt:  now.Format(time.RFC3339),
    }
    _, err = tx.ExecContext(ctx, `INSERT INTO notas_venta (id, numero, envio_id, total, creado_at) VALUES ($1,$2,$3,$4,$5)`,
        n.ID, n.Number, n.ShipmentID, n.Total, now)
    if err != nil { return model.SalesNote{}, false, err }
    return n, true, nil
}

func (p *Postgres) RejectRoute(ctx context.Context, routeID string, reason string) (model.Route, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Route{}, err }
    defer func(){ _ = tx.Rollback() }()
    estado, err := lockRoute(ctx, tx, routeID)
    if err != nil { return model.Route{}, err }
    if err := canRejectRoute(estado); err != nil { return model.Route{}, err }
    if reason != "" {
        _, err = tx.ExecContext(ctx, `UPDATE rutas_entrega SET estado=$1, total_paradas=0, observaciones=CASE WHEN observaciones IS NULL OR observaciones='' THEN $2 ELSE observaciones || E'\n' || $2 END WHERE id=$3`,
            model.RouteCancelled, "Rechazada: "+reason, routeID)
    } else {
        _, err = tx.ExecContext(ctx, `UPDATE rutas_entrega SET estado=$1, total_paradas=0 WHERE id=$2`, model.RouteCancelled, routeID)
    }
    if err != nil { return model.Route{}, err }
    // Release shipments for reassignment, then drop the stops.
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, ruta_entrega_id=NULL, reasignar=true, motivo_rechazo=$2 WHERE ruta_entrega_id=$3`,
        model.ShipmentPending, nullIfEmpty(reason), routeID)
    if err != nil { return model.Route{}, err }
    _, err = tx.ExecContext(ctx, `DELETE FROM ruta_paradas WHERE ruta_entrega_id=$1`, routeID)
    if err != nil { return model.Route{}, err }
    if err := tx.Commit(); err != nil { return model.Route{}, err }
    return p.GetRoute(ctx, routeID)
}

func (p *Postgres) StartRoute(ctx context.Context, routeID string) (model.Route, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Route{}, err }
    defer func(){ _ = tx.Rollback() }()
    estado, err := lockRoute(ctx, tx, routeID)
    if err != nil { return model.Route{}, err }
    if err := canStartRoute(estado); err != nil { return model.Route{}, err }
    var n int
    err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checklists WHERE ruta_entrega_id=$1 AND ruta_parada_id IS NULL AND tipo=$2 AND completado=true AND firma_base64 IS NOT NULL AND firma_base64<>''`,
        routeID, model.ChecklistDeparture).Scan(&n)
    if err != nil { return model.Route{}, err }
    if n == 0 {
        return model.Route{}, fmt.Errorf("%w: departure checklist not completed", ErrPrecondition)
    }
    _, err = tx.ExecContext(ctx, `UPDATE rutas_entrega SET estado=$1, hora_salida=now() WHERE id=$2`, model.RouteEnRoute, routeID)
    if err != nil { return model.Route{}, err }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1 WHERE ruta_entrega_id=$2`, model.ShipmentEnRoute, routeID)
    if err != nil { return model.Route{}, err }
    if err := tx.Commit(); err != nil { return model.Route{}, err }
    return p.GetRoute(ctx, routeID)
}

// ---- Stop transitions ----

func lockStop(ctx context.Context, tx *sql.Tx, routeID, stopID string) (estado, shipmentID string, err error) {
    err = tx.QueryRowContext(ctx, `SELECT estado, envio_id::text FROM ruta_paradas WHERE id=$1 AND ruta_entrega_id=$2 FOR UPDATE`, stopID, routeID).Scan(&estado, &shipmentID)
    if errors.Is(err, sql.ErrNoRows) { err = ErrNotFound }
    return
}

func (p *Postgres) ArriveStop(ctx context.Context, routeID, stopID string, pos *model.GeoPoint) (model.Stop, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Stop{}, err }
    defer func(){ _ = tx.Rollback() }()
    routeState, err := lockRoute(ctx, tx, routeID)
    if err != nil { return model.Stop{}, err }
    stopState, shipmentID, err := lockStop(ctx, tx, routeID, stopID)
    if err != nil { return model.Stop{}, err }
    if err := canArrive(routeState, stopState); err != nil { return model.Stop{}, err }
    var lat, lng any
    if pos != nil { lat, lng = pos.Lat, pos.Lng }
    _, err = tx.ExecContext(ctx, `UPDATE ruta_paradas SET estado=$1, hora_llegada=now(), lat_llegada=$2, lng_llegada=$3 WHERE id=$4`,
        model.StopAtDestination, lat, lng, stopID)
    if err != nil { return model.Stop{}, err }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1 WHERE id=$2`, model.ShipmentAtDestination, shipmentID)
    if err != nil { return model.Stop{}, err }
    if err := tx.Commit(); err != nil { return model.Stop{}, err }
    return p.getStop(ctx, routeID, stopID)
}

func (p *Postgres) getStop(ctx context.Context, routeID, stopID string) (model.Stop, error) {
    stops, err := p.routeStops(ctx, routeID)
    if err != nil { return model.Stop{}, err }
    for _, s := range stops {
        if s.ID == stopID { return s, nil }
    }
    return model.Stop{}, ErrNotFound
}

func (p *Postgres) DeliverStop(ctx context.Context, routeID, stopID string, req model.DeliverRequest) (model.Stop, model.Route, error) {
    if req.ReceiverName == "" {
        return model.Stop{}, model.Route{}, fmt.Errorf("%w: receiverName required", ErrValidation)
    }
    sub := req.Checklist
    sub.Type = model.ChecklistDelivery
    if err := p.gate.Validate(sub); err != nil { return model.Stop{}, model.Route{}, err }

    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Stop{}, model.Route{}, err }
    defer func(){ _ = tx.Rollback() }()
    routeState, err := lockRoute(ctx, tx, routeID)
    if err != nil { return model.Stop{}, model.Route{}, err }
    stopState, shipmentID, err := lockStop(ctx, tx, routeID, stopID)
    if err != nil { return model.Stop{}, model.Route{}, err }
    if err := canDeliver(routeState, stopState); err != nil { return model.Stop{}, model.Route{}, err }

    if _, err := insertChecklistTx(ctx, tx, routeID, stopID, shipmentID, sub); err != nil {
        return model.Stop{}, model.Route{}, err
    }
    _, err = tx.ExecContext(ctx, `UPDATE ruta_paradas SET estado=$1, hora_entrega=now(), nombre_receptor=$2, cargo_receptor=$3, dni_receptor=$4, observaciones=COALESCE($5, observaciones) WHERE id=$6`,
        model.StopDelivered, req.ReceiverName, nullIfEmpty(req.ReceiverRole), nullIfEmpty(req.ReceiverDNI), nullIfEmpty(req.Notes), stopID)
    if err != nil { return model.Stop{}, model.Route{}, err }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, entregado_at=now() WHERE id=$2`, model.ShipmentDelivered, shipmentID)
    if err != nil { return model.Stop{}, model.Route{}, err }
    // Route completes inside the same transaction that delivers the final
    // stop.
    var undelivered int
    err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ruta_paradas WHERE ruta_entrega_id=$1 AND estado<>$2`, routeID, model.StopDelivered).Scan(&undelivered)
    if err != nil { return model.Stop{}, model.Route{}, err }
    if undelivered == 0 {
        _, err = tx.ExecContext(ctx, `UPDATE rutas_entrega SET estado=$1, hora_fin=now() WHERE id=$2`, model.RouteCompleted, routeID)
        if err != nil { return model.Stop{}, model.Route{}, err }
    }
    if err := tx.Commit(); err != nil { return model.Stop{}, model.Route{}, err }
    stop, err := p.getStop(ctx, routeID, stopID)
    if err != nil { return model.Stop{}, model.Route{}, err }
    route, err := p.GetRoute(ctx, routeID)
    return stop, route, err
}

func (p *Postgres) SaveRoutePosition(ctx context.Context, routeID string, lat, lng float64, ts time.Time) error {
    res, err := p.db.ExecContext(ctx, `UPDATE rutas_entrega SET ultima_lat=$1, ultima_lng=$2, ultima_posicion_at=$3 WHERE id=$4`, lat, lng, ts, routeID)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// ---- Checklists & evidence ----

func insertChecklistTx(ctx context.Context, tx *sql.Tx, routeID, stopID, shipmentID string, sub model.ChecklistSubmission) (string, error) {
    var n int
    var stopArg any
    if stopID != "" { stopArg = stopID }
    err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checklists WHERE ruta_entrega_id=$1 AND ruta_parada_id IS NOT DISTINCT FROM $2 AND tipo=$3 AND completado=true`,
        routeID, stopArg, sub.Type).Scan(&n)
    if err != nil { return "", err }
    if n > 0 {
        return "", fmt.Errorf("%w: checklist already completed", ErrConflict)
    }
    id := uuid.New().String()
    _, err = tx.ExecContext(ctx, `INSERT INTO checklists (id, ruta_entrega_id, ruta_parada_id, envio_id, tipo, datos, observaciones, firma_base64, nombre_verificador, completado, completado_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,now())`,
        id, routeID, stopArg, nullIfEmpty(shipmentID), sub.Type, toJSON(sub.Items), nullIfEmpty(sub.Observations), sub.SignatureB64, nullIfEmpty(sub.CompleterName))
    if err != nil { return "", err }
    for _, ev := range sub.Evidence {
        if stopID == "" { break }
        if err := insertEvidenceTx(ctx, tx, stopID, id, ev); err != nil { return "", err }
    }
    return id, nil
}

func insertEvidenceTx(ctx context.Context, tx *sql.Tx, stopID, checklistID string, in model.EvidenceIn) error {
    typ := in.Type
    if typ == "" { typ = "photo" }
    var clArg any
    if checklistID != "" { clArg = checklistID }
    _, err := tx.ExecContext(ctx, `INSERT INTO evidencias_entrega (id, ruta_parada_id, checklist_id, tipo, nombre, url, payload_base64, creado_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
        uuid.New().String(), stopID, clArg, typ, nullIfEmpty(in.Name), nullIfEmpty(in.URL), nullIfEmpty(in.PayloadB64))
    return err
}

func (p *Postgres) SubmitChecklist(ctx context.Context, routeID, stopID string, sub model.ChecklistSubmission) (model.Checklist, error) {
    if err := p.gate.Validate(sub); err != nil { return model.Checklist{}, err }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Checklist{}, err }
    defer func(){ _ = tx.Rollback() }()
    if _, err := lockRoute(ctx, tx, routeID); err != nil { return model.Checklist{}, err }
    shipmentID := ""
    if stopID != "" {
        _, shipmentID, err = lockStop(ctx, tx, routeID, stopID)
        if err != nil { return model.Checklist{}, err }
    }
    id, err := insertChecklistTx(ctx, tx, routeID, stopID, shipmentID, sub)
    if err != nil { return model.Checklist{}, err }
    if err := tx.Commit(); err != nil { return model.Checklist{}, err }
    cls, err := p.ListChecklists(ctx, routeID)
    if err != nil { return model.Checklist{}, err }
    for _, c := range cls {
        if c.ID == id { return c, nil }
    }
    return model.Checklist{}, ErrNotFound
}

func (p *Postgres) ListChecklists(ctx context.Context, routeID string) ([]model.Checklist, error) {
    var exists int
    if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rutas_entrega WHERE id=$1`, routeID).Scan(&exists); err != nil {
        return nil, err
    }
    if exists == 0 { return nil, ErrNotFound }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, ruta_entrega_id::text, ruta_parada_id::text, envio_id::text, tipo, datos, observaciones, firma_base64, nombre_verificador, completado, completado_at
        FROM checklists WHERE ruta_entrega_id=$1 ORDER BY completado_at`, routeID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Checklist{}
    for rows.Next() {
        var c model.Checklist
        var stop, envio, obs, firma, verificador sql.NullString
        var datos []byte
        var at sql.NullTime
        if err := rows.Scan(&c.ID, &c.RouteID, &stop, &envio, &c.Type, &datos, &obs, &firma, &verificador, &c.Completed, &at); err != nil {
            return nil, err
        }
        c.StopID, c.ShipmentID = stop.String, envio.String
        c.Observations = obs.String
        c.SignatureB64 = firma.String
        c.HasSignature = firma.String != ""
        c.CompleterName = verificador.String
        c.CompletedAt = tsOrEmpty(at)
        _ = json.Unmarshal(datos, &c.Items)
        out = append(out, c)
    }
    return out, rows.Err()
}

func (p *Postgres) AddEvidence(ctx context.Context, stopID, checklistID string, in model.EvidenceIn) (model.Evidence, error) {
    if in.URL == "" && in.PayloadB64 == "" {
        return model.Evidence{}, fmt.Errorf("%w: evidence requires url or payload", ErrValidation)
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Evidence{}, err }
    defer func(){ _ = tx.Rollback() }()
    var exists int
    if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ruta_paradas WHERE id=$1`, stopID).Scan(&exists); err != nil {
        return model.Evidence{}, err
    }
    if exists == 0 { return model.Evidence{}, ErrNotFound }
    if err := insertEvidenceTx(ctx, tx, stopID, checklistID, in); err != nil { return model.Evidence{}, err }
    if err := tx.Commit(); err != nil { return model.Evidence{}, err }
    evs, err := p.ListEvidenceByStop(ctx, stopID)
    if err != nil { return model.Evidence{}, err }
    if len(evs) == 0 { return model.Evidence{}, ErrNotFound }
    return evs[len(evs)-1], nil
}

func (p *Postgres) ListEvidenceByStop(ctx context.Context, stopID string) ([]model.Evidence, error) {
    var exists int
    if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ruta_paradas WHERE id=$1`, stopID).Scan(&exists); err != nil {
        return nil, err
    }
    if exists == 0 { return nil, ErrNotFound }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, ruta_parada_id::text, checklist_id::text, tipo, nombre, url, payload_base64, creado_at
        FROM evidencias_entrega WHERE ruta_parada_id=$1 ORDER BY creado_at`, stopID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Evidence{}
    for rows.Next() {
        var e model.Evidence
        var cl, nombre, url, payload sql.NullString
        var at sql.NullTime
        if err := rows.Scan(&e.ID, &e.StopID, &cl, &e.Type, &nombre, &url, &payload, &at); err != nil { return nil, err }
        e.ChecklistID = cl.String
        e.Name, e.URL, e.PayloadB64 = nombre.String, url.String, payload.String
        e.CreatedAt = tsOrEmpty(at)
        out = append(out, e)
    }
    return out, rows.Err()
}

// ---- Shipments ----

func (p *Postgres) CreateShipment(ctx context.Context, in model.ShipmentCreate) (model.Shipment, error) {
    now := time.Now().UTC()
    id := uuid.New().String()
    var seq int
    if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*)+1 FROM envios`).Scan(&seq); err != nil { return model.Shipment{}, err }
    code := fmt.Sprintf("ENV-%s-%06d", now.Format("20060102"), seq)
    var lat, lng any
    if in.Location != nil { lat, lng = in.Location.Lat, in.Location.Lng }
    _, err := p.db.ExecContext(ctx, `INSERT INTO envios (id, codigo, almacen, estado, total_cantidad, peso_total, precio_total, lat_destino, lng_destino)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
        id, code, nullIfEmpty(in.Warehouse), model.ShipmentPending, in.TotalQty, in.TotalWeightKg, in.TotalPrice, lat, lng)
    if err != nil { return model.Shipment{}, err }
    return p.GetShipment(ctx, id)
}

const shipmentCols = `id::text, codigo, almacen, estado, ruta_entrega_id::text, COALESCE(total_cantidad,0), COALESCE(peso_total,0), COALESCE(precio_total,0), lat_destino, lng_destino, entregado_at, COALESCE(reasignar,false), motivo_rechazo`

func scanShipment(row interface{ Scan(...any) error }) (model.Shipment, error) {
    var s model.Shipment
    var almacen, ruta, motivo sql.NullString
    var lat, lng sql.NullFloat64
    var entregado sql.NullTime
    err := row.Scan(&s.ID, &s.Code, &almacen, &s.State, &ruta, &s.TotalQty, &s.TotalWeightKg, &s.TotalPrice, &lat, &lng, &entregado, &s.Reassign, &motivo)
    if err != nil { return model.Shipment{}, err }
    s.Warehouse = almacen.String
    s.RouteID = ruta.String
    s.RejectReason = motivo.String
    s.DeliveredAt = tsOrEmpty(entregado)
    if lat.Valid && lng.Valid { s.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64} }
    return s, nil
}

func (p *Postgres) GetShipment(ctx context.Context, shipmentID string) (model.Shipment, error) {
    s, err := scanShipment(p.db.QueryRowContext(ctx, `SELECT `+shipmentCols+` FROM envios WHERE id=$1`, shipmentID))
    if errors.Is(err, sql.ErrNoRows) { return model.Shipment{}, ErrNotFound }
    return s, err
}

func (p *Postgres) ListShipments(ctx context.Context, state string) ([]model.Shipment, error) {
    q := `SELECT ` + shipmentCols + ` FROM envios`
    args := []any{}
    if state != "" { q += ` WHERE estado=$1`; args = append(args, state) }
    q += ` ORDER BY codigo`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Shipment{}
    for rows.Next() {
        s, err := scanShipment(rows)
        if err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func lockShipment(ctx context.Context, tx *sql.Tx, shipmentID string) (estado, code string, price float64, err error) {
    err = tx.QueryRowContext(ctx, `SELECT estado, codigo, COALESCE(precio_total,0) FROM envios WHERE id=$1 FOR UPDATE`, shipmentID).Scan(&estado, &code, &price)
    if errors.Is(err, sql.ErrNoRows) { err = ErrNotFound }
    return
}

func (p *Postgres) AcceptShipment(ctx context.Context, shipmentID string, req model.AcceptRequest) (model.Shipment, *model.SalesNote, error) {
    if req.DriverName == "" {
        return model.Shipment{}, nil, fmt.Errorf("%w: driverName required", ErrValidation)
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Shipment{}, nil, err }
    defer func(){ _ = tx.Rollback() }()
    estado, code, price, err := lockShipment(ctx, tx, shipmentID)
    if err != nil { return model.Shipment{}, nil, err }
    if err := canAcceptShipment(estado); err != nil { return model.Shipment{}, nil, err }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, reasignar=false WHERE id=$2`, model.ShipmentAccepted, shipmentID)
    if err != nil { return model.Shipment{}, nil, err }
    n, created, err := insertNoteTx(ctx, tx, shipmentID, code, price)
    if err != nil { return model.Shipment{}, nil, err }
    if err := tx.Commit(); err != nil { return model.Shipment{}, nil, err }
    sh, err := p.GetShipment(ctx, shipmentID)
    if err != nil { return model.Shipment{}, nil, err }
    if !created { return sh, nil, nil }
    return sh, &n, nil
}

func (p *Postgres) RejectShipment(ctx context.Context, shipmentID string, reason string) (model.Shipment, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Shipment{}, err }
    defer func(){ _ = tx.Rollback() }()
    estado, _, _, err := lockShipment(ctx, tx, shipmentID)
    if err != nil { return model.Shipment{}, err }
    if err := canRejectShipment(estado); err != nil { return model.Shipment{}, err }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, ruta_entrega_id=NULL, reasignar=true, motivo_rechazo=$2 WHERE id=$3`,
        model.ShipmentPending, nullIfEmpty(reason), shipmentID)
    if err != nil { return model.Shipment{}, err }
    if err := tx.Commit(); err != nil { return model.Shipment{}, err }
    return p.GetShipment(ctx, shipmentID)
}

func (p *Postgres) MarkShipmentDelivered(ctx context.Context, shipmentID string) (model.Shipment, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Shipment{}, err }
    defer func(){ _ = tx.Rollback() }()
    estado, _, _, err := lockShipment(ctx, tx, shipmentID)
    if err != nil { return model.Shipment{}, err }
    switch estado {
    case model.ShipmentDelivered:
        _ = tx.Rollback()
        return p.GetShipment(ctx, shipmentID)
    case model.ShipmentEnRoute, model.ShipmentAtDestination:
        // allowed
    default:
        return model.Shipment{}, fmt.Errorf("%w: cannot deliver shipment in state %s", ErrInvalidState, estado)
    }
    _, err = tx.ExecContext(ctx, `UPDATE envios SET estado=$1, entregado_at=now() WHERE id=$2`, model.ShipmentDelivered, shipmentID)
    if err != nil { return model.Shipment{}, err }
    if err := tx.Commit(); err != nil { return model.Shipment{}, err }
    return p.GetShipment(ctx, shipmentID)
}

// ---- Sales notes ----

const incidentCols = `id::text, envio_id::text, ruta_parada_id::text, tipo, descripcion, foto_url, foto_base64, estado, reportado_por, reportado_at, resuelto_at, notas_resolucion`

func scanIncident(sc interface{ Scan(...any) error }) (model.Incident, error) {
    var inc model.Incident
    var stop, fotoURL, fotoB64, por, notas sql.NullString
    var reportado, resuelto sql.NullTime
    if err := sc.Scan(&inc.ID, &inc.ShipmentID, &stop, &inc.Type, &inc.Description, &fotoURL, &fotoB64, &inc.State, &por, &reportado, &resuelto, &notas); err != nil {
        return model.Incident{}, err
    }
    inc.StopID, inc.PhotoURL, inc.PhotoB64 = stop.String, fotoURL.String, fotoB64.String
    inc.ReportedBy, inc.ResolutionNotes = por.String, notas.String
    inc.ReportedAt = tsOrEmpty(reportado)
    inc.ResolvedAt = tsOrEmpty(resuelto)
    return inc, nil
}

func (p *Postgres) CreateIncident(ctx context.Context, in model.IncidentIn) (model.Incident, error) {
    if in.ShipmentID == "" { return model.Incident{}, fmt.Errorf("%w: shipmentId required", ErrValidation) }
    if in.Type == "" { return model.Incident{}, fmt.Errorf("%w: type required", ErrValidation) }
    if in.Description == "" { return model.Incident{}, fmt.Errorf("%w: description required", ErrValidation) }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Incident{}, err }
    defer func(){ _ = tx.Rollback() }()
    var exists int
    if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM envios WHERE id=$1`, in.ShipmentID).Scan(&exists); err != nil {
        return model.Incident{}, err
    }
    if exists == 0 { return model.Incident{}, fmt.Errorf("%w: shipment %s", ErrNotFound, in.ShipmentID) }
    if in.StopID != "" {
        var envio sql.NullString
        err := tx.QueryRowContext(ctx, `SELECT envio_id::text FROM ruta_paradas WHERE id=$1`, in.StopID).Scan(&envio)
        if errors.Is(err, sql.ErrNoRows) { return model.Incident{}, fmt.Errorf("%w: stop %s", ErrNotFound, in.StopID) }
        if err != nil { return model.Incident{}, err }
        if envio.String != in.ShipmentID {
            return model.Incident{}, fmt.Errorf("%w: stop does not belong to shipment", ErrValidation)
        }
    }
    id := uuid.NewString()
    _, err = tx.ExecContext(ctx, `INSERT INTO incidentes (id, envio_id, ruta_parada_id, tipo, descripcion, foto_url, foto_base64, estado, reportado_por, reportado_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())`,
        id, in.ShipmentID, nullIfEmpty(in.StopID), in.Type, in.Description,
        nullIfEmpty(in.PhotoURL), nullIfEmpty(in.PhotoB64), model.IncidentPending, nullIfEmpty(in.ReportedBy))
    if err != nil { return model.Incident{}, err }
    if err := tx.Commit(); err != nil { return model.Incident{}, err }
    return scanIncident(p.db.QueryRowContext(ctx, `SELECT `+incidentCols+` FROM incidentes WHERE id=$1`, id))
}

func (p *Postgres) ListIncidents(ctx context.Context, state string) ([]model.Incident, error) {
    q := `SELECT ` + incidentCols + ` FROM incidentes`
    args := []any{}
    if state != "" {
        q += ` WHERE estado=$1`
        args = append(args, state)
    }
    q += ` ORDER BY reportado_at DESC, id`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Incident{}
    for rows.Next() {
        inc, err := scanIncident(rows)
        if err != nil { return nil, err }
        out = append(out, inc)
    }
    return out, rows.Err()
}

func (p *Postgres) ListIncidentsByShipment(ctx context.Context, shipmentID string) ([]model.Incident, error) {
    var exists int
    if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envios WHERE id=$1`, shipmentID).Scan(&exists); err != nil {
        return nil, err
    }
    if exists == 0 { return nil, fmt.Errorf("%w: shipment %s", ErrNotFound, shipmentID) }
    rows, err := p.db.QueryContext(ctx, `SELECT `+incidentCols+` FROM incidentes WHERE envio_id=$1 ORDER BY reportado_at DESC, id`, shipmentID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Incident{}
    for rows.Next() {
        inc, err := scanIncident(rows)
        if err != nil { return nil, err }
        out = append(out, inc)
    }
    return out, rows.Err()
}

func (p *Postgres) ResolveIncident(ctx context.Context, incidentID, notes string) (model.Incident, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Incident{}, err }
    defer func(){ _ = tx.Rollback() }()
    var estado string
    err = tx.QueryRowContext(ctx, `SELECT estado FROM incidentes WHERE id=$1 FOR UPDATE`, incidentID).Scan(&estado)
    if errors.Is(err, sql.ErrNoRows) { return model.Incident{}, fmt.Errorf("%w: incident %s", ErrNotFound, incidentID) }
    if err != nil { return model.Incident{}, err }
    if estado == model.IncidentResolved {
        return model.Incident{}, fmt.Errorf("%w: incident already resolved", ErrConflict)
    }
    _, err = tx.ExecContext(ctx, `UPDATE incidentes SET estado=$1, resuelto_at=now(), notas_resolucion=$2 WHERE id=$3`,
        model.IncidentResolved, nullIfEmpty(notes), incidentID)
    if err != nil { return model.Incident{}, err }
    if err := tx.Commit(); err != nil { return model.Incident{}, err }
    return scanIncident(p.db.QueryRowContext(ctx, `SELECT `+incidentCols+` FROM incidentes WHERE id=$1`, incidentID))
}

func (p *Postgres) ListSalesNotes(ctx context.Context) ([]model.SalesNote, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, numero, envio_id::text, COALESCE(total,0), creado_at FROM notas_venta ORDER BY numero`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.SalesNote{}
    for rows.Next() {
        var n model.SalesNote
        var at sql.NullTime
        if err := rows.Scan(&n.ID, &n.Number, &n.ShipmentID, &n.Total, &at); err != nil { return nil, err }
        n.CreatedAt = tsOrEmpty(at)
        out = append(out, n)
    }
    return out, rows.Err()
}

func (p *Postgres) GetSalesNoteByShipment(ctx context.Context, shipmentID string) (model.SalesNote, error) {
    var n model.SalesNote
    var at sql.NullTime
    err := p.db.QueryRowContext(ctx, `SELECT id::text, numero, envio_id::text, COALESCE(total,0), creado_at FROM notas_venta WHERE envio_id=$1`, shipmentID).
        Scan(&n.ID, &n.Number, &n.ShipmentID, &n.Total, &at)
    if errors.Is(err, sql.ErrNoRows) { return model.SalesNote{}, ErrNotFound }
    if err != nil { return model.SalesNote{}, err }
    n.CreatedAt = tsOrEmpty(at)
    return n, nil
}

func (p *Postgres) BackfillSalesNotes(ctx context.Context) (int, int, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return 0, 0, err }
    defer func(){ _ = tx.Rollback() }()
    rows, err := tx.QueryContext(ctx, `SELECT id::text, codigo, COALESCE(precio_total,0) FROM envios WHERE estado = ANY($1::text[]) FOR UPDATE`,
        "{"+strings.Join([]string{model.ShipmentAccepted, model.ShipmentEnRoute, model.ShipmentAtDestination, model.ShipmentDelivered}, ",")+"}")
    if err != nil { return 0, 0, err }
    type env struct{ id, code string; price float64 }
    var envs []env
    for rows.Next() {
        var e env
        if err := rows.Scan(&e.id, &e.code, &e.price); err != nil { rows.Close(); return 0, 0, err }
        envs = append(envs, e)
    }
    rows.Close()
    if err := rows.Err(); err != nil { return 0, 0, err }
    generated, skipped := 0, 0
    for _, e := range envs {
        _, created, err := insertNoteTx(ctx, tx, e.id, e.code, e.price)
        if err != nil { return 0, 0, err }
        if created { generated++ } else { skipped++ }
    }
    if err := tx.Commit(); err != nil { return 0, 0, err }
    return generated, skipped, nil
}

// ---- Subscriptions ----

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    if req.URL == "" || len(req.Events) == 0 {
        return model.Subscription{}, fmt.Errorf("%w: url and events required", ErrValidation)
    }
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO suscripciones (id, url, eventos, secreto) VALUES ($1,$2,$3,$4)`,
        id, req.URL, toJSON(req.Events), nullIfEmpty(req.Secret))
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) listSubscriptions(ctx context.Context) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, eventos, COALESCE(secreto,'') FROM suscripciones`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var evs []byte
        if err := rows.Scan(&s.ID, &s.URL, &evs, &s.Secret); err != nil { return nil, err }
        _ = json.Unmarshal(evs, &s.Events)
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    subs, err := p.listSubscriptions(ctx)
    if err != nil { return nil, err }
    out := []model.Subscription{}
    for _, s := range subs {
        for _, e := range s.Events {
            if e == eventType || e == "*" { out = append(out, s); break }
        }
    }
    return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
    return p.listSubscriptions(ctx)
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM suscripciones WHERE id=$1`, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// ---- Webhook deliveries ----

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, suscripcion_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
        id, subscriptionID, eventType, url, nullIfEmpty(secret), payload)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, suscripcion_id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status='pending' AND next_attempt_at<=now() ORDER BY next_attempt_at LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if success {
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, last_error=NULL, response_code=$1, latency_ms=$2, delivered_at=now() WHERE id=$3`,
            responseCode, latencyMs, id)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, next_attempt_at=$1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$5`,
        nextAttemptAt, nullIfEmpty(lastError), responseCode, latencyMs, id)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
        nullIfEmpty(lastError), responseCode, latencyMs, id)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
    if limit <= 0 { limit = 100 }
    q := `SELECT id::text, event_type, url, status, attempts, COALESCE(last_error,''), COALESCE(response_code,0) FROM webhook_deliveries`
    args := []any{}
    if status != "" { q += ` WHERE status=$1`; args = append(args, status) }
    args = append(args, limit)
    q += fmt.Sprintf(` ORDER BY next_attempt_at DESC LIMIT $%d`, len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []map[string]any{}
    for rows.Next() {
        var id, et, url, st, lastErr string
        var attempts, code int
        if err := rows.Scan(&id, &et, &url, &st, &attempts, &lastErr, &code); err != nil { return nil, err }
        out = append(out, map[string]any{
            "id": id, "eventType": et, "url": url,
            "status": st, "attempts": attempts,
            "lastError": lastErr, "responseCode": code,
        })
    }
    return out, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1 AND status<>'delivered'`, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 {
        var exists int
        if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE id=$1`, id).Scan(&exists); err != nil {
            return err
        }
        if exists == 0 { return ErrNotFound }
        return fmt.Errorf("%w: delivery already succeeded", ErrConflict)
    }
    return nil
}
