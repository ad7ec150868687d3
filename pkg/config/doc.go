/*
Package config loads Berth's configuration and decodes resource manifests.

Configuration is layered with viper, lowest precedence first:

  - built-in defaults (see setDefaults)
  - an optional YAML file passed with --config
  - BERTH_* environment variables, e.g. BERTH_STORE_DRIVER=sqlite
  - the well-known engine and quota variables: DOCKER_HOST, PODMAN_HOST,
    NETWORK_SUBNET_BASE, DEFAULT_MAX_CONTAINERS, DEFAULT_MAX_PORTS,
    DEFAULT_MAX_STORAGE (GB), DEFAULT_MAX_CPU (cores), DEFAULT_MAX_MEMORY (MB)

Example file:

	store:
	  driver: sqlite
	engines:
	  enabled: [docker, lxc]
	  call_timeout: 20s
	network:
	  subnet_base: 10.90.0.0/16
	reconciler:
	  interval: 15s
	  adopt_unmanaged: false

# Manifests

ParseManifests reads multi-document YAML in the same apiVersion/kind/
metadata/spec shape used by `berth apply -f`:

	kind: Container
	metadata:
	  name: web
	spec:
	  image: nginx:alpine
	  resources:
	    cpu: 0.5
	    memory: 512MB
*/
package config
