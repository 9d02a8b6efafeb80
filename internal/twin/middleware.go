package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mladedav/device-sdk/internal/store"
	"github.com/mladedav/device-sdk/internal/transport"
)

// Publisher is the slice of the broker session the twin middleware needs.
type Publisher interface {
	RequestTwin(ctx context.Context, requestID string) error
	PublishReportedPatch(ctx context.Context, requestID string, patch []byte) error
}

type requestKind int

const (
	requestGetTwin requestKind = iota
	requestPatch
)

type pendingRequest struct {
	kind     requestKind
	updateID int64
}

type queuedPatch struct {
	version    uint64
	properties map[string]any
}

// Middleware owns both twin documents. Inbound handlers run on the broker's
// receive goroutine, the queue worker on its own; all shared state sits
// behind one mutex.
type Middleware struct {
	repo    *store.Repo
	session Publisher
	disp    *dispatcher
	states  <-chan transport.State
	log     *slog.Logger

	mu             sync.Mutex
	desired        *document
	reported       *document
	queuedPatches  []queuedPatch
	requests       map[string]pendingRequest
	inFlightUpdate int64

	desiredReady  chan struct{}
	reportedReady chan struct{}
	desiredOnce   sync.Once
	reportedOnce  sync.Once

	getTwin  chan struct{}
	progress chan struct{}
}

// New loads the persisted twin documents and prepares the middleware. Run
// must be called to start the workers.
func New(ctx context.Context, repo *store.Repo, session Publisher, states <-chan transport.State, callback DesiredPropertiesCallback, log *slog.Logger) (*Middleware, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Middleware{
		repo:          repo,
		session:       session,
		disp:          newDispatcher(callback, log),
		states:        states,
		log:           log,
		requests:      make(map[string]pendingRequest),
		desiredReady:  make(chan struct{}),
		reportedReady: make(chan struct{}),
		getTwin:       make(chan struct{}, 1),
		progress:      make(chan struct{}, 1),
	}
	for _, side := range []struct {
		twinType string
		target   **document
		markInit func()
	}{
		{store.TwinDesired, &m.desired, m.markDesiredReady},
		{store.TwinReported, &m.reported, m.markReportedReady},
	} {
		rec, err := repo.LoadTwin(ctx, side.twinType)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		properties := decodeObject(rec.Properties)
		if properties == nil {
			m.log.Warn("discarding stored twin document", "type", side.twinType)
			continue
		}
		*side.target = &document{version: rec.Version, properties: properties}
		side.markInit()
	}
	return m, nil
}

// Run drives the queue worker and the callback dispatcher until ctx is
// cancelled.
func (m *Middleware) Run(ctx context.Context) {
	if m.disp != nil {
		go m.disp.run(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.getTwin:
			m.requestFullTwin(ctx)
		case st := <-m.states:
			m.handleState(ctx, st)
		case <-m.repo.ReportedWake():
			m.drainReportedQueue(ctx)
		case <-m.progress:
			m.drainReportedQueue(ctx)
		}
	}
}

// WaitReady blocks until both twin documents have been initialized, either
// from the store or from the first full document.
func (m *Middleware) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.desiredReady:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.reportedReady:
	}
	return nil
}

// DesiredProperties returns the current desired document.
func (m *Middleware) DesiredProperties() (DesiredProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.desired == nil {
		return DesiredProperties{}, fmt.Errorf("desired properties not initialized yet")
	}
	payload, err := m.desired.marshal()
	if err != nil {
		return DesiredProperties{}, err
	}
	return DesiredProperties{Version: m.desired.version, Properties: payload}, nil
}

// DesiredPropertiesIfNewer returns the desired document only when its
// version is strictly greater than the one the caller already has.
func (m *Middleware) DesiredPropertiesIfNewer(version uint64) (DesiredProperties, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.desired == nil || m.desired.version <= version {
		return DesiredProperties{}, false
	}
	payload, err := m.desired.marshal()
	if err != nil {
		return DesiredProperties{}, false
	}
	return DesiredProperties{Version: m.desired.version, Properties: payload}, true
}

// ReportedProperties returns the local copy of the reported document.
func (m *Middleware) ReportedProperties() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reported == nil {
		return nil, false
	}
	payload, err := m.reported.marshal()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// EnqueueReportedUpdate validates and durably queues a reported-properties
// change. Delivery happens asynchronously in queue order.
func (m *Middleware) EnqueueReportedUpdate(ctx context.Context, updateType store.ReportedUpdateType, patch []byte) error {
	if decodeObject(patch) == nil {
		return fmt.Errorf("reported properties update must be a JSON object")
	}
	return m.repo.EnqueueReportedUpdate(ctx, &store.ReportedPropertiesUpdate{
		UpdateType: updateType,
		Patch:      patch,
	})
}

// PendingReportedUpdates reports whether any queued update has not been
// confirmed by the broker yet.
func (m *Middleware) PendingReportedUpdates(ctx context.Context) (bool, error) {
	count, err := m.repo.ReportedUpdateCount(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	inFlight := m.inFlightUpdate != 0
	m.mu.Unlock()
	return count > 0 || inFlight, nil
}

// RequestFullTwin asks the worker to fetch the full twin document. Coalesced.
func (m *Middleware) RequestFullTwin() {
	select {
	case m.getTwin <- struct{}{}:
	default:
	}
}

// HandleDesiredPatch processes an incremental desired-properties update.
// Wired into the transport session; runs on its receive goroutine.
func (m *Middleware) HandleDesiredPatch(version uint64, payload []byte) {
	properties, err := parsePatch(payload, version)
	if err != nil {
		m.log.Warn("dropping malformed desired properties patch", "error", err)
		return
	}

	m.mu.Lock()
	if m.desired == nil {
		// The full document has not arrived yet; hold the patch and replay
		// it once it does.
		m.queuedPatches = append(m.queuedPatches, queuedPatch{version: version, properties: properties})
		m.mu.Unlock()
		return
	}
	switch {
	case version == m.desired.version+1:
		m.desired.properties = applyMergePatch(m.desired.properties, properties)
		m.desired.version = version
		m.persistDesiredLocked()
		update := m.desiredSnapshotLocked()
		m.mu.Unlock()
		m.log.Debug("applied desired properties patch", "version", version)
		m.disp.dispatch(update)
	case version <= m.desired.version:
		current := m.desired.version
		m.mu.Unlock()
		m.log.Debug("discarding stale desired properties patch",
			"version", version, "current", current)
	default:
		current := m.desired.version
		m.mu.Unlock()
		m.log.Info("desired properties patch skips versions, requesting full document",
			"version", version, "current", current)
		m.RequestFullTwin()
	}
}

// HandleTwinResponse correlates a broker response with the request that
// caused it. Wired into the transport session.
func (m *Middleware) HandleTwinResponse(status int, requestID string, version *uint64, payload []byte) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if ok {
		delete(m.requests, requestID)
		if req.kind == requestPatch {
			m.inFlightUpdate = 0
		}
	}
	m.mu.Unlock()
	if !ok {
		m.log.Warn("ignoring twin response to unknown request", "request_id", requestID)
		return
	}

	switch req.kind {
	case requestGetTwin:
		if status >= 300 {
			m.log.Warn("full twin request failed", "status", status)
			m.RequestFullTwin()
			return
		}
		m.setFullTwin(payload)
	case requestPatch:
		if status >= 300 {
			m.log.Warn("reported properties update rejected, will resend",
				"status", status, "update_id", req.updateID)
			m.signalProgress()
			return
		}
		if err := m.repo.RemoveReportedUpdate(context.Background(), req.updateID); err != nil {
			m.log.Error("could not remove confirmed reported properties update",
				"update_id", req.updateID, "error", err)
		}
		m.signalProgress()
	}
}

func (m *Middleware) signalProgress() {
	select {
	case m.progress <- struct{}{}:
	default:
	}
}

func (m *Middleware) handleState(ctx context.Context, st transport.State) {
	switch st {
	case transport.Connected:
		// Responses to requests sent before the disconnect will never
		// arrive; clear them so queued updates are resent.
		m.mu.Lock()
		m.requests = make(map[string]pendingRequest)
		m.inFlightUpdate = 0
		m.mu.Unlock()
		m.requestFullTwin(ctx)
		m.drainReportedQueue(ctx)
	case transport.Disconnected:
	}
}

func (m *Middleware) requestFullTwin(ctx context.Context) {
	requestID := uuid.NewString()
	m.mu.Lock()
	m.requests[requestID] = pendingRequest{kind: requestGetTwin}
	m.mu.Unlock()

	m.log.Debug("requesting full twin document", "request_id", requestID)
	if err := m.session.RequestTwin(ctx, requestID); err != nil {
		m.mu.Lock()
		delete(m.requests, requestID)
		m.mu.Unlock()
		// The next Connected transition requests again.
		m.log.Debug("could not request full twin document", "error", err)
	}
}

// drainReportedQueue sends the oldest queued update unless one is already
// awaiting its response. The next send happens when that response arrives.
func (m *Middleware) drainReportedQueue(ctx context.Context) {
	m.mu.Lock()
	inFlight := m.inFlightUpdate != 0
	m.mu.Unlock()
	if inFlight {
		return
	}
	upd, err := m.repo.NextReportedUpdateAfter(ctx, 0)
	if err != nil {
		m.log.Error("could not read reported properties queue", "error", err)
		return
	}
	if upd == nil {
		return
	}
	if err := m.sendReportedUpdate(ctx, upd); err != nil {
		m.log.Debug("reported properties update not sent", "update_id", upd.ID, "error", err)
	}
}

func (m *Middleware) sendReportedUpdate(ctx context.Context, upd *store.ReportedPropertiesUpdate) error {
	patch := decodeObject(upd.Patch)
	if patch == nil {
		m.log.Error("removing malformed reported properties update", "update_id", upd.ID)
		return m.repo.RemoveReportedUpdate(ctx, upd.ID)
	}

	m.mu.Lock()
	if upd.UpdateType == store.ReportedUpdateFull {
		// Full replacement goes over the wire as the patch that turns the
		// current document into the requested one.
		var current map[string]any
		if m.reported != nil {
			current = m.reported.clone()
		} else {
			current = make(map[string]any)
		}
		patch = diffObjects(current, patch)
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	requestID := uuid.NewString()
	m.requests[requestID] = pendingRequest{kind: requestPatch, updateID: upd.ID}
	m.inFlightUpdate = upd.ID
	m.mu.Unlock()

	m.log.Debug("sending reported properties update",
		"update_id", upd.ID, "request_id", requestID)
	if err := m.session.PublishReportedPatch(ctx, requestID, payload); err != nil {
		m.mu.Lock()
		delete(m.requests, requestID)
		m.inFlightUpdate = 0
		m.mu.Unlock()
		return err
	}

	// Optimistic local application; an inconsistency is repaired by a full
	// document fetch.
	m.mu.Lock()
	if m.reported != nil {
		m.reported.properties = applyMergePatch(m.reported.properties, patch)
		m.reported.version++
		m.persistReportedLocked()
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		m.log.Warn("reported properties not initialized, requesting full document")
		m.RequestFullTwin()
	}
	return nil
}

// setFullTwin replaces both documents from a full twin payload. Versions
// lower than the local ones are ignored per side.
func (m *Middleware) setFullTwin(payload []byte) {
	desired, reported, err := parseFullTwin(payload)
	if err != nil {
		m.log.Warn("dropping malformed twin document", "error", err)
		return
	}

	m.mu.Lock()
	var callbackUpdate *DesiredProperties
	if m.desired == nil || desired.version >= m.desired.version {
		changed := m.desired == nil || desired.version > m.desired.version
		m.desired = desired
		m.replayQueuedPatchesLocked()
		m.persistDesiredLocked()
		if changed {
			update := m.desiredSnapshotLocked()
			callbackUpdate = &update
		}
		m.markDesiredReady()
	} else {
		m.log.Debug("ignoring desired document older than local copy",
			"version", desired.version, "current", m.desired.version)
	}
	if m.reported == nil || reported.version >= m.reported.version {
		m.reported = reported
		m.persistReportedLocked()
		m.markReportedReady()
	} else {
		m.log.Debug("ignoring reported document older than local copy",
			"version", reported.version, "current", m.reported.version)
	}
	m.mu.Unlock()

	if callbackUpdate != nil {
		m.disp.dispatch(*callbackUpdate)
	}
}

// replayQueuedPatchesLocked applies desired patches that arrived before the
// full document. A gap between them triggers another full fetch.
func (m *Middleware) replayQueuedPatchesLocked() {
	queued := m.queuedPatches
	m.queuedPatches = nil
	for _, patch := range queued {
		switch {
		case patch.version == m.desired.version+1:
			m.desired.properties = applyMergePatch(m.desired.properties, patch.properties)
			m.desired.version = patch.version
		case patch.version <= m.desired.version:
		default:
			m.log.Info("held desired patch skips versions, requesting full document",
				"version", patch.version, "current", m.desired.version)
			m.RequestFullTwin()
			return
		}
	}
}

func (m *Middleware) desiredSnapshotLocked() DesiredProperties {
	payload, err := m.desired.marshal()
	if err != nil {
		m.log.Error("could not serialize desired properties", "error", err)
		payload = []byte("{}")
	}
	return DesiredProperties{Version: m.desired.version, Properties: payload}
}

func (m *Middleware) persistDesiredLocked() {
	payload, err := m.desired.marshal()
	if err == nil {
		err = m.repo.SaveTwin(context.Background(), store.TwinDesired, payload, m.desired.version)
	}
	if err != nil {
		m.log.Error("could not persist desired properties", "error", err)
	}
}

func (m *Middleware) persistReportedLocked() {
	payload, err := m.reported.marshal()
	if err == nil {
		err = m.repo.SaveTwin(context.Background(), store.TwinReported, payload, m.reported.version)
	}
	if err != nil {
		m.log.Error("could not persist reported properties", "error", err)
	}
}

func (m *Middleware) markDesiredReady() {
	m.desiredOnce.Do(func() { close(m.desiredReady) })
}

func (m *Middleware) markReportedReady() {
	m.reportedOnce.Do(func() { close(m.reportedReady) })
}
