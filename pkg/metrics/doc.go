/*
Package metrics provides Prometheus metrics and component health for Berth.

All collectors are package level variables registered with the default
registry in init and exposed through Handler on /metrics.

# Metric Families

Inventory:
  - berth_containers_total{engine,phase}
  - berth_networks_total{engine}
  - berth_engine_up{engine}

Quota:
  - berth_quota_usage{owner,dimension}
  - berth_quota_limit{owner,dimension}
  - berth_quota_rejections_total{dimension}
  - berth_quota_reservations_held

Lifecycle:
  - berth_lifecycle_operations_total{operation,result}
  - berth_lifecycle_operation_duration_seconds{operation}
  - berth_removal_queue_depth

Reconciler:
  - berth_reconciliation_duration_seconds{engine}
  - berth_reconciliation_cycles_total
  - berth_reconcile_drift_total{engine,kind}

API:
  - berth_api_requests_total{method,status}
  - berth_api_request_duration_seconds{method}

Inventory gauges are sampled from the store by Collector every 15 seconds.
Everything else is updated inline by the owning component.

# Timer Helper

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleDuration, "create")

# Health

Components report their state with RegisterComponent or UpdateComponent.
GetHealth is unhealthy when a critical component (store, engines, api) is
unhealthy and degraded when only a non-critical one is, such as a single
engine/<name> entry. GetReadiness requires every critical component to be
registered and healthy.

	metrics.UpdateComponent(metrics.EngineComponent("podman"), false, err.Error())

HealthHandler, ReadyHandler and LivenessHandler serve the JSON documents for
/health, /ready and /live.
*/
package metrics
