/*
Package monitoring provides Prometheus metrics for the node.

# Overview

Metrics owns a private registry and implements the observer interfaces of
the tracer, the broker dispatcher, the translation client and the processor,
so each component reports to it without knowing about Prometheus.

# Usage

	metrics := monitoring.NewMetrics()

	tracer := tracing.New("ofe", logger, tracing.WithObserver(metrics))
	ingress := broker.NewIngress(source, cfg, logger, metrics)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
