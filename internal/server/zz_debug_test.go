package server

import (
	"context"
	"net/http"
	"testing"

	"closeline/internal/engine"
)

func TestZZDebugTransition(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)
	gen := generatePeriod(t, srv)
	id := gen.InstanceIDs[0]

	inst, err := srv.Engine.Transition(context.Background(), engine.TransitionOptions{
		InstanceID: id, To: "review", ActorID: "tester",
	})
	t.Logf("direct engine transition: %+v err=%v", inst.State, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances/"+id+"/transition", map[string]any{"to": "approval"}, nil)
	t.Logf("POST transition: %d %s", res.StatusCode, string(data))

	res2, data2 := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/instances/"+id+"/transition", map[string]any{"to": "approval"}, nil)
	t.Logf("PUT transition: %d %s", res2.StatusCode, string(data2))
}
