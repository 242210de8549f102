// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When Config.Enabled is false, no-op providers are used and recording is free.
// When enabled, SDK providers are created; with MetricsExporter set to
// "prometheus" the meter provider exports through the Prometheus client registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "mcp-authserver",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Client registry:
//   - oauth.client.registered{auth_method}
//   - oauth.client.registration.rejected{field}
//
// Codes and tokens:
//   - oauth.code.issued{client_id, pkce_method}
//   - oauth.code.exchanged{client_id}
//   - oauth.code.exchange.failed{reason}
//   - oauth.token.issued{client_id}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{token_type}
//   - oauth.token.rejected{operation}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.redemption_rejected
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.codes.count, storage.tokens.count
package instrumentation
