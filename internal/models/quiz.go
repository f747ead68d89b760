package models

// Answer is a local-only draft answer for one question of a quiz.
type Answer struct {
	QuestionID string `db:"question_id" json:"questionId"`
	QuizID     string `db:"quiz_id" json:"quizId"`
	UserID     string `db:"user_id" json:"userId"`
	Content    string `db:"content" json:"content"`
	UpdatedAt  int64  `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Answer.
func (Answer) TableName() string {
	return "answers"
}

// SubmissionResponse is one answered question inside a submission.
type SubmissionResponse struct {
	QuestionID string `json:"questionId"`
	Content    string `json:"content"`
}

// Submission is a quiz hand-in waiting to reach the server.
type Submission struct {
	ID           string               `db:"id" json:"id"`
	QuizID       string               `db:"quiz_id" json:"quizId"`
	EvaluationID string               `db:"evaluation_id" json:"evaluationId"`
	UserID       string               `db:"user_id" json:"userId"`
	Responses    []SubmissionResponse `db:"responses" json:"responses"`
	SubmittedAt  int64                `db:"submitted_at" json:"submittedAt"`
	Synced       bool                 `db:"synced" json:"synced"`
}

// TableName returns the table name for Submission.
func (Submission) TableName() string {
	return "submissions"
}
