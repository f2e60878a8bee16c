package fortuneo

const (
	report_adapter_login       = "adapter.login"
	report_adapter_two_factor  = "adapter.two-factor"
	report_adapter_submit_code = "adapter.submit-code"
)
