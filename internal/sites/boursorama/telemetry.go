package boursorama

const (
	report_adapter_login          = "adapter.login"
	report_adapter_keyboard       = "adapter.keyboard"
	report_adapter_authentication = "adapter.authentication"
	report_adapter_submit_code    = "adapter.submit-code"
	report_adapter_recipient      = "adapter.recipient"
)
