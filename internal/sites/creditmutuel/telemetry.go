package creditmutuel

const (
	report_adapter_login       = "adapter.login"
	report_adapter_submit_code = "adapter.submit-code"
	report_adapter_finalize    = "adapter.finalize"
	report_adapter_poll        = "adapter.poll"
	report_adapter_confirm     = "adapter.confirm"
)
