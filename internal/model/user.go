package model

type Node struct {
	ID         string  `json:"id"`
	TotalPoint float64 `json:"totalPoint"`
	TodayPoint float64 `json:"todayPoint"`
	IsActive   bool    `json:"isActive"`
}

type UserSummary struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	TotalPoint  float64  `json:"totalPoint"`
	SocialTasks []string `json:"socialTasks"`
	Nodes       []Node   `json:"nodes"`
}

func (u UserSummary) HasCompleted(code string) bool {
	for _, c := range u.SocialTasks {
		if c == code {
			return true
		}
	}
	return false
}

func (u UserSummary) TodayPoint() float64 {
	var sum float64
	for _, n := range u.Nodes {
		sum += n.TodayPoint
	}
	return sum
}

type CheckinResult struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type ClaimResult struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type PingResult struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	MetadataID string `json:"metadataId,omitempty"`
}
