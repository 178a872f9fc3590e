package model

import "time"

type Project struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Currency     string    `json:"currency"`
	TotalBudget  Money     `json:"total_budget"`
	MilestoneIDs []string  `json:"milestone_ids"`
	CreatedBy    Actor     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	Version      int64     `json:"version"`
}

func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.MilestoneIDs = append([]string(nil), p.MilestoneIDs...)
	return &c
}
