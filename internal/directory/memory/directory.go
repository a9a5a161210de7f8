// Package memory provides an in-process directory service. It keeps twins and feed
// samples in memory and is used for development and end-to-end tests.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcdir "github.com/rmacdonaldsmith/twinmesh-go/internal/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// DefaultHostID identifies the host when none is configured.
const DefaultHostID = "did:twinmesh:local-host"

// Directory implements the directory service handler.
type Directory struct {
	mu             sync.RWMutex
	hostID         string
	twins          map[string]twin.TwinModel
	samples        *feedlog.Log[directory.ShareRequest]
	pageSize       int
	completeSearch bool
	logger         *zap.Logger
	upserts        atomic.Int64
	fetches        atomic.Int64
}

// Option configures a Directory.
type Option func(*Directory)

// WithHostID sets the id of the simulated host.
func WithHostID(id string) Option {
	return func(d *Directory) { d.hostID = id }
}

// WithPageSize sets how many matches are sent per search page.
func WithPageSize(n int) Option {
	return func(d *Directory) { d.pageSize = n }
}

// WithCompleteSearch makes searches end after the last page instead of holding
// the stream open until the client goes away.
func WithCompleteSearch() Option {
	return func(d *Directory) { d.completeSearch = true }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// New creates an empty directory.
func New(opts ...Option) *Directory {
	d := &Directory{
		hostID:   DefaultHostID,
		twins:    make(map[string]twin.TwinModel),
		samples:  feedlog.New[directory.ShareRequest](16),
		pageSize: 10,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("memory-directory")
	return d
}

// HostID returns the id of the simulated host.
func (d *Directory) HostID() string { return d.hostID }

// Upserts returns how many upserts were served.
func (d *Directory) Upserts() int64 { return d.upserts.Load() }

// Fetches returns how many follow streams were opened.
func (d *Directory) Fetches() int64 { return d.fetches.Load() }

// Twin returns a stored twin.
func (d *Directory) Twin(id string) (twin.TwinModel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.twins[id]
	return m, ok
}

// Close ends every open follow stream.
func (d *Directory) Close() error {
	return d.samples.Close()
}

func (d *Directory) localFeed(f twin.FeedRef) twin.FeedRef {
	if f.HostID == "" {
		f.HostID = d.hostID
	}
	return f
}

// UpsertTwin stores the twin, replacing any previous version.
func (d *Directory) UpsertTwin(ctx context.Context, req directory.UpsertRequest) (twin.TwinRef, error) {
	m := req.Twin
	if err := m.Validate(); err != nil {
		return twin.TwinRef{}, err
	}
	if m.HostID == "" {
		m.HostID = d.hostID
	}
	if m.HostID != d.hostID {
		return twin.TwinRef{}, fmt.Errorf("%w: twin belongs to host %s", grpcdir.ErrFailedPrecondition, m.HostID)
	}

	d.mu.Lock()
	d.twins[m.ID] = m
	d.mu.Unlock()
	d.upserts.Add(1)

	d.logger.Debug("twin upserted", zap.String("twin", m.ID), zap.Int("feeds", len(m.Feeds)))
	return m.Ref(), nil
}

func (d *Directory) declaredFeed(f twin.FeedRef) (twin.Port, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.twins[f.TwinID]
	if !ok || m.HostID != f.HostID {
		return twin.Port{}, fmt.Errorf("%w: twin %s", grpcdir.ErrNotFound, f.Twin())
	}
	port, ok := m.FindFeed(f.FeedID)
	if !ok {
		return twin.Port{}, fmt.Errorf("%w: feed %s", grpcdir.ErrNotFound, f)
	}
	return port, nil
}

// ShareFeedData stores the sample and relays it to followers of the feed.
func (d *Directory) ShareFeedData(ctx context.Context, req directory.ShareRequest) (directory.Ack, error) {
	req.Feed = d.localFeed(req.Feed)
	if _, err := d.declaredFeed(req.Feed); err != nil {
		return directory.Ack{}, err
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}
	if _, err := d.samples.Append(ctx, req.Feed.String(), req); err != nil {
		return directory.Ack{}, err
	}
	return directory.Ack{Feed: req.Feed, ReceivedAt: time.Now().UTC()}, nil
}

// FetchInterest streams samples of the followed feed until the caller leaves, the
// directory closes, or the caller's token expires.
func (d *Directory) FetchInterest(ctx context.Context, req directory.FetchRequest, stream grpcdir.InterestSender) error {
	interest := req.Interest
	interest.FollowedFeed = d.localFeed(interest.FollowedFeed)

	if _, ok := d.Twin(interest.FollowerTwinID); !ok {
		return fmt.Errorf("%w: follower twin %s is not registered", grpcdir.ErrFailedPrecondition, interest.FollowerTwinID)
	}
	port, err := d.declaredFeed(interest.FollowedFeed)
	if err != nil {
		return err
	}
	if err := stream.Ack(); err != nil {
		return err
	}
	d.fetches.Add(1)

	key := interest.FollowedFeed.String()
	start := d.samples.EndOffset(key)
	if req.FetchLastStored && port.StoreLast {
		if last, ok := d.samples.Last(key); ok {
			start = last.Offset
		}
	}

	var expired <-chan time.Time
	if claims, ok := grpcdir.ClaimsFromContext(ctx); ok && claims.ExpiresAt != nil {
		timer := time.NewTimer(time.Until(claims.ExpiresAt.Time))
		defer timer.Stop()
		expired = timer.C
	}

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries, errs := d.samples.Tail(tailCtx, key, start)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-errs; err == feedlog.ErrClosed {
					return status.Error(codes.Unavailable, "directory shutting down")
				}
				return ctx.Err()
			}
			share := entry.Value
			rec := twin.FeedRecord{
				FollowerTwinID: interest.FollowerTwinID,
				Feed:           share.Feed,
				MimeType:       share.MimeType,
				OccurredAt:     share.OccurredAt,
				Payload:        share.Payload,
			}
			if err := stream.Send(rec); err != nil {
				return err
			}
		case <-expired:
			return status.Error(codes.Unauthenticated, "token expired")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Search sends matching twins in pages. Unless WithCompleteSearch was given, the
// stream stays open until the caller's context ends.
func (d *Directory) Search(ctx context.Context, req directory.SearchRequest, send func([]twin.TwinModel) error) error {
	f := req.Filter

	d.mu.RLock()
	var matches []twin.TwinModel
	for _, m := range d.twins {
		if f.Scope == twin.ScopeLocal && m.HostID != d.hostID {
			continue
		}
		if matchesFilter(m, f) {
			matches = append(matches, shape(m, f.ResponseType))
		}
	}
	d.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	for start := 0; start < len(matches); start += d.pageSize {
		end := min(start+d.pageSize, len(matches))
		if err := send(matches[start:end]); err != nil {
			return err
		}
	}
	if d.completeSearch {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func matchesFilter(m twin.TwinModel, f twin.SearchFilter) bool {
	if f.Text != "" && !matchesText(m, f.Text) {
		return false
	}
	for _, want := range f.Properties {
		if !hasProperty(m, want) {
			return false
		}
	}
	if f.Location != nil {
		lat, lon, ok := location(m)
		if !ok || distanceKm(lat, lon, f.Location.Lat, f.Location.Lon) > f.Location.RadiusKm {
			return false
		}
	}
	return true
}

func matchesText(m twin.TwinModel, text string) bool {
	var haystack strings.Builder
	for _, p := range m.Properties {
		if p.Key == twin.RDFSLabel || p.Key == twin.RDFSComment {
			haystack.WriteString(strings.ToLower(p.Value))
			haystack.WriteByte(' ')
		}
	}
	h := haystack.String()
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if !strings.Contains(h, word) {
			return false
		}
	}
	return true
}

func hasProperty(m twin.TwinModel, want twin.Property) bool {
	for _, p := range m.Properties {
		if p.Key == want.Key && p.Kind == want.Kind && p.Value == want.Value {
			return true
		}
	}
	return false
}

func location(m twin.TwinModel) (float64, float64, bool) {
	latProp, okLat := m.FindProperty(twin.GeoLat)
	lonProp, okLon := m.FindProperty(twin.GeoLong)
	if !okLat || !okLon {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(latProp.Value, 64)
	lon, err2 := strconv.ParseFloat(lonProp.Value, 64)
	return lat, lon, err1 == nil && err2 == nil
}

const earthRadiusKm = 6371.0

func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func shape(m twin.TwinModel, rt twin.ResponseType) twin.TwinModel {
	switch rt {
	case twin.ResponseMinimal:
		return twin.TwinModel{HostID: m.HostID, ID: m.ID, Properties: []twin.Property{}, Feeds: []twin.Port{}, Inputs: []twin.Port{}}
	case twin.ResponseLocated:
		props := []twin.Property{}
		for _, p := range m.Properties {
			if p.Key == twin.GeoLat || p.Key == twin.GeoLong {
				props = append(props, p)
			}
		}
		return twin.TwinModel{HostID: m.HostID, ID: m.ID, Properties: props, Feeds: []twin.Port{}, Inputs: []twin.Port{}}
	default:
		return m
	}
}

var _ grpcdir.Handler = (*Directory)(nil)
