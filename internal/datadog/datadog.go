package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

type gauger interface {
	Gauge(name string, value float64, tags []string, rate float64) error
}

var dogstatsd gauger

func InitMetrics(addr, namespace string, tags []string) {
	client, err := statsd.New(addr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = namespace
	client.Tags = tags
	dogstatsd = client

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")
}

func Enabled() bool {
	return dogstatsd != nil
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Gauge(name, value, tags, 1)
		if err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}
