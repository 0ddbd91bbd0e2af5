package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pawpulse-live/internal/recorder"
	"pawpulse-live/internal/telemetry"
)

// LiveClient is the part of telemetry.Client the HTTP surface reads and drives.
type LiveClient interface {
	State() telemetry.State
	Subscribe(id telemetry.EntityID) error
	Unsubscribe(id telemetry.EntityID) error
	RefCount(id telemetry.EntityID) int
	Subscriptions() []telemetry.Subscription
	Latest(id telemetry.EntityID) (telemetry.Reading, bool)
	History(id telemetry.EntityID) []telemetry.Reading
	Classification(id telemetry.EntityID) (telemetry.Classification, bool)
	Capacity() int
}

type Deps struct {
	Live LiveClient
	// DB and Records are nil when the recorder is off.
	DB       *sql.DB
	Records  recorder.Repository
	Gatherer prometheus.Gatherer
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, d.Live, d.DB)
	registerPets(mux, d.Live)
	if d.Records != nil {
		registerRecorded(mux, d.Records)
	}
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
