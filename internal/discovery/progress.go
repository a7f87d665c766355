package discovery

import "fmt"

// State is the externally visible discovery status.
type State string

const (
	StateNoRuns          State = "no_runs"
	StateQueued          State = "queued"
	StateWaitingRunner   State = "pending"
	StateInProgress      State = "in_progress"
	StateCompleted       State = "completed"
	StateSettingUp       State = "setting_up"
	StateAuthRequired    State = "tailscale_auth_required"
	StateInvalidArtifact State = "invalid_artifact"
	StateAPIError        State = "api_error"
	StateReady           State = "ready"
	StateTunnelTimeout   State = "tailscale_timeout"
	StateProvisionError  State = "vps_error"
	StateFailed          State = "failure"
	StateCancelled       State = "cancelled"
	StateTimedOut        State = "timed_out"
	StateActionRequired  State = "action_required"
	StateSkipped         State = "skipped"
	StateRepoNotFound    State = "repo_not_found"
	StateExpired         State = "expired"
	StateNoResult        State = "no_result"
)

// Terminal reports whether clients should stop polling.
func (s State) Terminal() bool {
	switch s {
	case StateReady, StateTunnelTimeout, StateProvisionError, StateFailed,
		StateCancelled, StateTimedOut, StateActionRequired, StateSkipped,
		StateRepoNotFound, StateExpired, StateNoResult:
		return true
	}
	return false
}

const (
	progressAuth    = 50
	progressTunnel  = 60
	progressNoRuns  = 5
	progressDone    = 100
	progressSuccess = 95
)

// Progress estimates completion from the run status, its age and the step
// counters of the first job.
func Progress(status, conclusion string, elapsed, step, total int) int {
	switch status {
	case "queued", "waiting", "requested":
		return min(5+elapsed, 15)
	case "pending":
		return min(10+elapsed*2, 25)
	case "in_progress":
		if total > 0 {
			return min(25+step*60/total, 85)
		}
		return min(25+elapsed*4, 85)
	case "completed":
		if conclusion == "success" {
			return progressSuccess
		}
		return progressDone
	}
	return 0
}

// runState maps a live run status to the state shown while polling.
func runState(status string) State {
	switch status {
	case "pending":
		return StateWaitingRunner
	case "in_progress":
		return StateInProgress
	case "completed":
		return StateCompleted
	}
	return StateQueued
}

// conclusionState maps a completed run that published nothing usable.
func conclusionState(conclusion string) State {
	switch conclusion {
	case "cancelled":
		return StateCancelled
	case "timed_out":
		return StateTimedOut
	case "action_required":
		return StateActionRequired
	case "skipped":
		return StateSkipped
	case "success":
		return StateNoResult
	}
	return StateFailed
}

func statusMessage(status, conclusion, step string, n, total, elapsed int) string {
	switch status {
	case "queued":
		return "⏳ Workflow đang chờ trong hàng đợi GitHub..."
	case "pending":
		return "⏳ Workflow đang chờ runner khả dụng..."
	case "waiting":
		return "⏳ Workflow đang chờ runner..."
	case "requested":
		return "📤 Workflow đã được yêu cầu, đang khởi tạo..."
	case "in_progress":
		if step == "" {
			step = "đang xử lý"
		}
		if total > 0 {
			return fmt.Sprintf("🔄 Đang cài đặt VPS → %s (%d/%d) • %dm", step, n, total, elapsed)
		}
		return fmt.Sprintf("🔄 Đang cài đặt VPS → %s • %dm", step, elapsed)
	case "completed":
		return conclusionMessage(conclusion)
	}
	return fmt.Sprintf("Trạng thái: %s", status)
}

func conclusionMessage(conclusion string) string {
	switch conclusion {
	case "success":
		return "✅ Workflow hoàn thành!"
	case "failure":
		return "❌ Workflow thất bại. Kiểm tra GitHub Actions để xem chi tiết lỗi."
	case "cancelled":
		return "🚫 Workflow đã bị huỷ."
	case "timed_out":
		return "⏰ Workflow đã hết thời gian (timeout)."
	case "action_required":
		return "⚠️ Workflow cần xác nhận manual approval."
	case "stale":
		return "📦 Workflow đã cũ, vui lòng tạo VPS mới."
	case "skipped":
		return "⏭️ Workflow đã bị bỏ qua."
	}
	return fmt.Sprintf("Workflow kết thúc: %s", conclusion)
}

const (
	msgReady       = "✅ VPS đã sẵn sàng!"
	msgAuth        = "🔐 Cần xác thực Tailscale!"
	msgTunnel      = "⏰ Tailscale chưa được xác thực kịp thời. Vui lòng tạo VPS mới."
	msgNoRuns      = "⏳ Chưa có workflow run. Đang chờ GitHub Actions khởi động..."
	msgRepoGone    = "❌ Repository không tồn tại. Vui lòng tạo VPS mới."
	msgExpired     = "⚠️ Artifact đã hết hạn. Tạo VPS mới."
	msgNoResult    = "⚠️ Workflow hoàn thành nhưng không có kết quả VPS."
	msgInvalid     = "⚠️ Kết quả VPS không hợp lệ, đang chờ cập nhật..."
	msgSettingUp   = "⏳ VPS đang được thiết lập..."
	msgAPIErrorFmt = "⚠️ Không thể kiểm tra workflow: %s"
	msgVPSErrorFmt = "❌ Lỗi VPS: %s"
)
