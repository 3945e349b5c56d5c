package main

import (
	"errors"

	"github.com/rs/zerolog"

	"voyager/cmd/server/config"
	"voyager/internal/notify"
)

// buildNotifier always logs outcomes and adds Kafka and AMQP sinks when
// configured.
func buildNotifier(cfg config.NotifyConfig, logger zerolog.Logger) (notify.Multi, func(), error) {
	sinks := notify.Multi{notify.NewLogNotifier(logger.With().Str("component", "notify").Logger())}
	var closers []func() error

	if cfg.KafkaBrokers != "" {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, notify.NewKafkaNotifier(writer))
		closers = append(closers, writer.Close)
	}
	if cfg.AMQPURL != "" {
		amqpNotifier, closeAMQP, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		sinks = append(sinks, amqpNotifier)
		closers = append(closers, closeAMQP)
	}

	cleanup := func() {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn().Err(err).Msg("close notifiers")
		}
	}
	return sinks, cleanup, nil
}
