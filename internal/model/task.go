package model

type TaskDefinition struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

type TaskResult struct {
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Status     TaskStatus `json:"status"`
	StatusCode int        `json:"statusCode"`
	Message    string     `json:"message"`
}

var defaultTaskCatalogue = []TaskDefinition{
	{Code: "T001", Name: "Verify Email"},
	{Code: "T002", Name: "Join Telegram Channel"},
	{Code: "T003", Name: "Join Telegram Group"},
	{Code: "T004", Name: "Boost Telegram Channel"},
	{Code: "T005", Name: "Follow us on X"},
	{Code: "T006", Name: "Rate Chrome Extension"},
	{Code: "T007", Name: "Join Telegram MiniApp"},
	{Code: "T009", Name: "Join Discord Channel"},
	{Code: "T010", Name: "Add NodeGo.Ai to your name"},
	{Code: "T011", Name: "Share Your Referral Link on X"},
	{Code: "T012", Name: "Retweet & Like US"},
	{Code: "T014", Name: "Comment on our post & Tag 3 friends"},
	{Code: "T100", Name: "Invite 1 friends"},
	{Code: "T101", Name: "Invite 3 friends"},
	{Code: "T102", Name: "Invite 5 friends"},
	{Code: "T103", Name: "Invite 10 friends"},
}

// DefaultTaskCatalogue 返回内置任务表的副本，调用方可以放心修改。
func DefaultTaskCatalogue() []TaskDefinition {
	out := make([]TaskDefinition, len(defaultTaskCatalogue))
	copy(out, defaultTaskCatalogue)
	return out
}
