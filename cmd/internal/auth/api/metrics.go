package authapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gambit_auth_requests_total",
	Help: "Auth endpoint outcomes by operation and HTTP status.",
}, []string{"op", "code"})

func countOp(op string, status int) {
	authRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}
