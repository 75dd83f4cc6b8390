// Package metric provides the Prometheus metrics registry for echomux.
//
// The Registry owns a private prometheus.Registry pre-loaded with Go runtime
// collectors and the platform core metrics (session lifecycle, handshake
// outcomes, transport connectivity). Components register their own metrics
// through the Registrar interface using the component/name pair as a
// deduplication key; a nil Registrar disables metrics entirely (nil input =
// nil feature pattern).
//
// The registry is exposed over HTTP by the gateway package via promhttp.
package metric
