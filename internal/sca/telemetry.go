package sca

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("bankauth/internal/sca")

const (
	report_engine_login           = "engine.login"
	report_engine_resume_code     = "engine.resume-code"
	report_engine_resume_app      = "engine.resume-app"
	report_engine_start_operation = "engine.start-operation"
	report_engine_poll            = "engine.poll"
	report_engine_cancel          = "engine.cancel-app-validation"
	report_engine_retry           = "engine.retry"
	report_engine_relogin         = "engine.relogin"
	report_engine_snapshot        = "engine.snapshot"
)
