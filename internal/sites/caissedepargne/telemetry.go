package caissedepargne

const (
	report_adapter_step     = "adapter.step"
	report_adapter_keyboard = "adapter.keyboard"
)
