package association

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router exposing the lifecycle operations. The
// actor extractor resolves the acting user and admin flag per request; a
// nil extractor treats every caller as anonymous.
func NewRouter(engine *Engine, orchestrator *WipeOrchestrator, audit *AuditStore, actors ActorExtractor) chi.Router {
	if actors == nil {
		actors = func(*http.Request) Actor { return Actor{} }
	}

	r := chi.NewRouter()

	r.Route("/associations", func(r chi.Router) {
		r.Post("/", associateHandler(engine, actors))
		r.Post("/activate", activateHandler(engine, actors))
		r.Post("/terminate", terminateHandler(engine, actors))
		r.Post("/suspend", suspendHandler(engine, actors))
		r.Post("/restore", restoreHandler(engine, actors))
		r.Post("/delegate", delegateHandler(engine, actors))
		r.Post("/replace", replaceHandler(engine, actors))
		r.Patch("/{id}", updateHandler(engine, actors))
	})

	r.Route("/users/{userId}", func(r chi.Router) {
		r.Get("/associations", listUserAssociationsHandler(engine, actors))
		r.Post("/wipe", wipeHandler(orchestrator, actors))
	})

	r.Route("/devices/{serialNumber}", func(r chi.Router) {
		r.Get("/associations", deviceHistoryHandler(engine))
		if audit != nil {
			r.Get("/events", deviceEventsHandler(audit))
		}
	})

	return r
}
