package rpcdispatch_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/tunnelrun/agentd/rpcdispatch"
	"github.com/tunnelrun/agentd/wire"
)

var _ = Describe("Dispatcher", func() {
	var d *rpcdispatch.Dispatcher

	BeforeEach(func() {
		d = rpcdispatch.New(rpcdispatch.NewWorkerPool(4))
	})

	dispatch := func(req *wire.Request, out rpcdispatch.Completions) rpcdispatch.Outcome {
		return d.Dispatch(context.Background(), nil, req, rpcdispatch.NewStreamTable(nil), out, nil)
	}

	Context("a sync handler", func() {
		BeforeEach(func() {
			d.RegisterSync("ping", func(_ any, _ wire.Map) (wire.Map, error) {
				return wire.Map{}, nil
			})
		})

		It("produces an immediate response carrying the request id", func() {
			id := int64(1)
			out := dispatch(&wire.Request{ID: &id, Method: "ping", Params: wire.Map{}}, make(rpcdispatch.Completions, 1))
			Expect(out.Kind).To(Equal(rpcdispatch.OutcomeImmediate))
			Expect(out.Response.ID).To(Equal(int64(1)))
			Expect(out.Response.IsError).To(BeFalse())
		})

		It("produces no response for a notification, but still invokes the handler", func() {
			called := false
			d.RegisterSync("note", func(_ any, _ wire.Map) (wire.Map, error) {
				called = true
				return wire.Map{}, nil
			})
			out := dispatch(&wire.Request{Method: "note", Params: wire.Map{}}, make(rpcdispatch.Completions, 1))
			Expect(out.Kind).To(Equal(rpcdispatch.OutcomeNone))
			Expect(called).To(BeTrue())
		})

		It("panicking becomes a logged error response, not a crash", func() {
			d.RegisterSync("boom", func(_ any, _ wire.Map) (wire.Map, error) {
				panic("kaboom")
			})
			id := int64(5)
			out := dispatch(&wire.Request{ID: &id, Method: "boom", Params: wire.Map{}}, make(rpcdispatch.Completions, 1))
			Expect(out.Kind).To(Equal(rpcdispatch.OutcomeImmediate))
			Expect(out.Response.IsError).To(BeTrue())
		})
	})

	It("reports MethodNotFound for an unregistered method", func() {
		id := int64(2)
		out := dispatch(&wire.Request{ID: &id, Method: "nope", Params: wire.Map{}}, make(rpcdispatch.Completions, 1))
		Expect(out.Kind).To(Equal(rpcdispatch.OutcomeImmediate))
		Expect(out.Response.IsError).To(BeTrue())
	})

	It("delivers an async handler's result on the completion channel", func() {
		d.RegisterAsync("slow", func(_ context.Context, _ any, _ wire.Map) (wire.Map, error) {
			return wire.Map{"ok": true}, nil
		})
		id := int64(9)
		completions := make(rpcdispatch.Completions, 1)
		outcome := dispatch(&wire.Request{ID: &id, Method: "slow", Params: wire.Map{}}, completions)
		Expect(outcome.Kind).To(Equal(rpcdispatch.OutcomeDeferred))

		var resp *wire.Response
		Eventually(completions, time.Second).Should(Receive(&resp))
		Expect(resp.ID).To(Equal(int64(9)))
		Expect(resp.IsError).To(BeFalse())
	})
})
