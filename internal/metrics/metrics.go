package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WritesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_writes_enqueued_total",
		Help: "Total write commands appended to the durable store.",
	})
	EphemeralEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_ephemeral_enqueued_total",
		Help: "Total read/side-effect commands queued on the ephemeral path.",
	})

	DurableSendOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_durable_send_ok_total",
		Help: "Durable sends that reached a success outcome.",
	})
	DurableSendRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_durable_send_retried_total",
		Help: "Durable send attempts parked for retry after a transient failure.",
	})
	DurableDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_durable_dead_lettered_total",
		Help: "Durable entries dropped after a permanent failure.",
	})

	EphemeralSendOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_ephemeral_send_ok_total",
		Help: "Ephemeral sends that succeeded.",
	})
	EphemeralSendFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_ephemeral_send_failed_total",
		Help: "Ephemeral sends that failed (terminal; the path never retries reads).",
	})

	ReauthAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_reauth_attempts_total",
		Help: "Reauthentication attempts issued (collapsed triggers excluded).",
	})
	ReauthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relayqueue_reauth_failures_total",
		Help: "Reauthentication attempts that failed fatally.",
	})

	DurableDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayqueue_durable_depth",
		Help: "Write commands currently pending in the durable store.",
	})
)

func Register() {
	prometheus.MustRegister(
		WritesEnqueued, EphemeralEnqueued,
		DurableSendOK, DurableSendRetried, DurableDeadLettered,
		EphemeralSendOK, EphemeralSendFailed,
		ReauthAttempts, ReauthFailures,
		DurableDepth,
	)
}
