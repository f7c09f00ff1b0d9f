package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Armed     int `json:"armed"`
	Alerted   int `json:"alerted"`
	Done      int `json:"done"`
	Cancelled int `json:"cancelled"`
}
