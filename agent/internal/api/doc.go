// Package api serves the agent's REST API under /api/v1.
//
// Endpoints:
//
//	GET    /api/v1/health                      liveness, no auth
//	GET    /api/v1/status                      engine, history and alert counts
//	GET    /api/v1/algorithms                  registered algorithm configs
//	POST   /api/v1/algorithms                  register (or replace) an algorithm
//	DELETE /api/v1/algorithms/{name}
//	PUT    /api/v1/algorithms/{name}/enabled   body {"enabled": bool}
//	GET    /api/v1/algorithms/{name}/results   ?count=N
//	GET    /api/v1/pipelines
//	POST   /api/v1/pipelines
//	DELETE /api/v1/pipelines/{name}
//	PUT    /api/v1/pipelines/{name}/enabled
//	POST   /api/v1/readings                    ingest one reading
//	GET    /api/v1/history                     ?module=&count=
//	GET    /api/v1/history/latest              ?module=
//	GET    /api/v1/history/range               ?start=&end=&module= (RFC3339)
//	GET    /api/v1/latest                      ?module=
//	GET    /api/v1/alerts
//	GET    /api/v1/config
//	PUT    /api/v1/config
//	GET    /api/v1/stored                      ?algorithm=&module=&field=&since=&until=&limit=
//	GET    /api/v1/sources                     poll status and certificate state
package api
