// Package config resolves the handler's settings from built-in defaults, an
// optional HCL file and the environment. Command-line flags are applied on
// top by the cli package.
//
// A configuration file looks like this; every attribute and block is
// optional:
//
//	volume_path   = "/workspace"
//	workflow_path = "/opt/ComfyUI/workflow_api.json"
//
//	backend {
//	  dir           = "/opt/ComfyUI"
//	  command       = ["python", "main.py"]
//	  port          = 8188
//	  ready_timeout = "180s"
//	}
//
//	client {
//	  poll_interval      = "2s"
//	  completion_timeout = "30m"
//	}
//
//	server {
//	  listen              = ":8000"
//	  healthcheck_port    = 8080
//	  max_concurrent_jobs = 2
//	}
//
//	events {
//	  url = "http://localhost:3000/socket.io/"
//	}
//
//	upload {
//	  url = "http://minio:9000/outputs"
//	}
//
//	defaults {
//	  steps    = 4
//	  negative = "low quality, blurry"
//	  seed     = parseint(env.SEED, 10)
//	}
//
// Attributes in the defaults block are arbitrary HCL expressions. They may
// read the process environment through the env object and are merged under
// every job's input.
package config
