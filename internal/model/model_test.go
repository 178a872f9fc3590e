package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
)

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "123.45", model.Money(12345).String())
	assert.Equal(t, "0.05", model.Money(5).String())
	assert.Equal(t, "20000.00", model.Money(2000000).String())
	assert.Equal(t, "-1.50", model.Money(-150).String())
}

func TestParseMoney(t *testing.T) {
	cases := map[string]model.Money{
		"123.45": 12345,
		"123":    12300,
		"0.5":    50,
		"-2.10":  -210,
		// 最大可表示金额
		"92233720368547757.99": 9223372036854775799,
	}
	for in, want := range cases {
		got, err := model.ParseMoney(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1.234", "abc", "1.",
		"--5", "1.-5", "+3", "1.5x",
		"92233720368547758.00", "922337203685477580700"} {
		_, err := model.ParseMoney(bad)
		assert.Error(t, err, bad)
	}
}

func TestMoney_UnmarshalYAML(t *testing.T) {
	var doc struct {
		Minor   model.Money `yaml:"minor"`
		Decimal model.Money `yaml:"decimal"`
		Quoted  model.Money `yaml:"quoted"`
	}
	src := "minor: 500000\ndecimal: 5000.25\nquoted: \"12\"\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	assert.Equal(t, model.Money(500000), doc.Minor)
	assert.Equal(t, model.Money(500025), doc.Decimal)
	assert.Equal(t, model.Money(1200), doc.Quoted)

	for _, bad := range []string{
		"minor: 1.234\n",
		"minor: 92233720368547758.00\n",
		"minor: [1, 2]\n",
		"minor: ten\n",
	} {
		assert.Error(t, yaml.Unmarshal([]byte(bad), &doc), bad)
	}
}

func TestValidateTransition(t *testing.T) {
	legal := [][2]model.State{
		{model.StatePending, model.StateSubmitted},
		{model.StateRejected, model.StateSubmitted},
		{model.StateSubmitted, model.StateUnderVerification},
		{model.StateUnderVerification, model.StateApproved},
		{model.StateUnderVerification, model.StateRejected},
		{model.StateUnderVerification, model.StateSubmitted},
		{model.StateRejected, model.StatePending},
		{model.StateRejected, model.StateEscalated},
		{model.StateApproved, model.StatePaymentReleased},
		{model.StateEscalated, model.StatePending},
	}
	for _, tr := range legal {
		assert.NoError(t, model.ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]model.State{
		{model.StatePending, model.StateApproved},
		{model.StateApproved, model.StateRejected},
		{model.StatePaymentReleased, model.StatePending},
		{model.StateEscalated, model.StateSubmitted},
	}
	for _, tr := range illegal {
		err := model.ValidateTransition(tr[0], tr[1])
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}

	assert.ErrorIs(t, model.ValidateTransition("bogus", model.StatePending), apperr.ErrInvariantBroken)
}

func releasedMilestone() *model.Milestone {
	now := time.Now()
	score := 92
	return &model.Milestone{
		ID:           "m1",
		BudgetAmount: 2000000,
		Submissions:  []model.Submission{{Version: 1}},
		Verification: &model.Verification{SubmissionVersion: 1, Status: model.VerificationApproved, Score: &score},
		Payment:      model.Payment{Amount: 2000000, Status: model.PaymentReleased, ReleasedAt: &now},
		State:        model.StatePaymentReleased,
	}
}

func TestCheckInvariants(t *testing.T) {
	require.NoError(t, model.CheckInvariants(releasedMilestone()))

	t.Run("released without approval", func(t *testing.T) {
		m := releasedMilestone()
		m.Verification.Status = model.VerificationRejected
		assert.ErrorIs(t, model.CheckInvariants(m), apperr.ErrInvariantBroken)
	})
	t.Run("released but wrong state", func(t *testing.T) {
		m := releasedMilestone()
		m.State = model.StateApproved
		assert.ErrorIs(t, model.CheckInvariants(m), apperr.ErrInvariantBroken)
	})
	t.Run("approved without submission", func(t *testing.T) {
		m := releasedMilestone()
		m.Payment = model.Payment{Amount: m.BudgetAmount, Status: model.PaymentPending}
		m.State = model.StateApproved
		m.Submissions = nil
		m.Verification.SubmissionVersion = 0
		assert.ErrorIs(t, model.CheckInvariants(m), apperr.ErrInvariantBroken)
	})
	t.Run("unknown payment status", func(t *testing.T) {
		m := releasedMilestone()
		m.Payment.Status = "refunded"
		assert.ErrorIs(t, model.CheckInvariants(m), apperr.ErrInvariantBroken)
	})
	t.Run("fresh milestone", func(t *testing.T) {
		m := &model.Milestone{ID: "m2", BudgetAmount: 100, Payment: model.Payment{Amount: 100, Status: model.PaymentPending}, State: model.StatePending}
		assert.NoError(t, model.CheckInvariants(m))
	})
}

func TestMilestone_CloneIsDeep(t *testing.T) {
	m := releasedMilestone()
	m.Submissions[0].Files = []model.FileRef{{Label: "design"}}
	c := m.Clone()

	c.Submissions[0].Files[0].Label = "changed"
	*c.Verification.Score = 10
	c.Payment.ReleasedAt = nil

	assert.Equal(t, "design", m.Submissions[0].Files[0].Label)
	assert.Equal(t, 92, *m.Verification.Score)
	assert.NotNil(t, m.Payment.ReleasedAt)
	assert.Equal(t, 1, c.CurrentVersion())
}
