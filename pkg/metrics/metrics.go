// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus collectors exported by the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wshub_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive tracks currently registered connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wshub_connections_active",
		Help: "The number of connections currently registered.",
	})

	// TopicsActive tracks topics currently held by the registry.
	TopicsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wshub_topics_active",
		Help: "The number of topics currently registered.",
	})

	// MessagesPublishedTotal counts publishes, labelled by origin
	// ("client" or "server").
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wshub_messages_published_total",
		Help: "The total number of messages appended to topic logs.",
	},
		[]string{"origin"},
	)

	// DeliveriesTotal counts envelopes handed to subscriber transports.
	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wshub_deliveries_total",
		Help: "The total number of envelopes delivered to subscribers.",
	})

	// DeliveryFailuresTotal counts sends that failed and evicted the receiver.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wshub_delivery_failures_total",
		Help: "The total number of failed sends to connections.",
	})

	// AuthorizationFailuresTotal counts rejected topic operations by verb.
	AuthorizationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wshub_authorization_failures_total",
		Help: "The total number of rejected topic operations.",
	},
		[]string{"verb"},
	)

	// DecodeErrorsTotal counts inbound frames that could not be decoded.
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wshub_decode_errors_total",
		Help: "The total number of malformed inbound messages.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wshub_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
