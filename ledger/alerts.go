/*
alerts.go - AlertGenerator: severity-tagged alerts from ledger snapshots

Alerts are a pure mapping from (plan views, financial summary, external
signals, now) to a set keyed by a stable alert key. Nothing is persisted;
whether an alert was acknowledged is tracked by the dashboard collaborator
using the key.

DEFAULT POLICY:
  installment overdue >= 30 days                 Critical
  installment overdue 7..29 days                 Warning
  installment due within 3 days                  Info
  attendance below 60%                           Critical
  attendance below 75%                           Warning
  inquiry without follow-up for >= 7 days        Warning
  inquiry without follow-up for >= 3 days        Info
  batch starting within 7 days under capacity    Warning
  collection rate below 80%                      Warning
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

type AlertCategory string

const (
	AlertPayment    AlertCategory = "payment"
	AlertAttendance AlertCategory = "attendance"
	AlertInquiry    AlertCategory = "inquiry"
	AlertBatch      AlertCategory = "batch"
	AlertFinance    AlertCategory = "finance"
)

type Alert struct {
	Key       string
	Severity  Severity
	Category  AlertCategory
	Title     string
	Message   string
	SubjectID int64 // installment, student, inquiry or batch id depending on Category
	Amount    *decimal.Decimal
	RaisedAt  time.Time
}

// AlertSet maps alert keys to alerts.
type AlertSet map[string]Alert

// =============================================================================
// EXTERNAL SIGNALS - supplied by collaborators, never computed here
// =============================================================================

type AttendanceSignal struct {
	StudentID  StudentID
	Name       string
	Percentage decimal.Decimal
}

type InquirySignal struct {
	InquiryID        int64
	Name             string
	DaysSinceContact int
}

type BatchSignal struct {
	BatchID   int64
	Name      string
	StartDate time.Time
	Capacity  int
	Enrolled  int
}

type Signals struct {
	Attendance []AttendanceSignal
	Inquiries  []InquirySignal
	Batches    []BatchSignal
}

// =============================================================================
// POLICY
// =============================================================================

type AlertPolicy struct {
	OverdueCriticalDays        int
	OverdueWarningDays         int
	DueSoonInfoDays            int
	AttendanceCriticalBelow    decimal.Decimal
	AttendanceWarningBelow     decimal.Decimal
	InquiryWarningDays         int
	InquiryInfoDays            int
	BatchStartWindowDays       int
	CollectionRateWarningBelow decimal.Decimal
}

func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{
		OverdueCriticalDays:        30,
		OverdueWarningDays:         7,
		DueSoonInfoDays:            3,
		AttendanceCriticalBelow:    decimal.NewFromInt(60),
		AttendanceWarningBelow:     decimal.NewFromInt(75),
		InquiryWarningDays:         7,
		InquiryInfoDays:            3,
		BatchStartWindowDays:       7,
		CollectionRateWarningBelow: decimal.RequireFromString("0.80"),
	}
}

// AlertInput is everything the generator looks at.
type AlertInput struct {
	Plans   []PlanView
	Summary *FinancialSummary
	Signals Signals
}

// GenerateAlerts applies the policy. Equal inputs give equal sets.
func GenerateAlerts(in AlertInput, p AlertPolicy, now time.Time) AlertSet {
	set := make(AlertSet)
	add := func(a Alert) {
		a.RaisedAt = now
		set[a.Key] = a
	}

	for _, pv := range in.Plans {
		if pv.Plan.Status.IsTerminal() {
			continue
		}
		for _, iv := range pv.Installments {
			if iv.IsPaid() {
				continue
			}
			amount := iv.Amount
			base := Alert{
				Key:       fmt.Sprintf("installment:%d", iv.ID),
				Category:  AlertPayment,
				SubjectID: int64(iv.ID),
				Amount:    &amount,
			}
			switch {
			case iv.Overdue && iv.DaysOverdue >= p.OverdueCriticalDays:
				base.Severity = SeverityCritical
				base.Title = "Installment severely overdue"
			case iv.Overdue && iv.DaysOverdue >= p.OverdueWarningDays:
				base.Severity = SeverityWarning
				base.Title = "Installment overdue"
			case !iv.Overdue && iv.DaysUntilDue >= 0 && iv.DaysUntilDue <= p.DueSoonInfoDays:
				base.Severity = SeverityInfo
				base.Title = "Installment due soon"
			default:
				continue
			}
			if iv.Overdue {
				base.Message = fmt.Sprintf("Student %d, plan %d, installment #%d of %s is %d days overdue",
					pv.Plan.StudentID, pv.Plan.ID, iv.InstallmentNumber, amount.StringFixed(MoneyPlaces), iv.DaysOverdue)
			} else {
				base.Message = fmt.Sprintf("Student %d, plan %d, installment #%d of %s is due in %d days",
					pv.Plan.StudentID, pv.Plan.ID, iv.InstallmentNumber, amount.StringFixed(MoneyPlaces), iv.DaysUntilDue)
			}
			add(base)
		}
	}

	for _, a := range in.Signals.Attendance {
		var sev Severity
		switch {
		case a.Percentage.LessThan(p.AttendanceCriticalBelow):
			sev = SeverityCritical
		case a.Percentage.LessThan(p.AttendanceWarningBelow):
			sev = SeverityWarning
		default:
			continue
		}
		add(Alert{
			Key:       fmt.Sprintf("attendance:%d", a.StudentID),
			Severity:  sev,
			Category:  AlertAttendance,
			Title:     "Low attendance",
			Message:   fmt.Sprintf("%s attendance at %s%%", nameOr(a.Name, fmt.Sprintf("Student %d", a.StudentID)), a.Percentage.StringFixed(1)),
			SubjectID: int64(a.StudentID),
		})
	}

	for _, q := range in.Signals.Inquiries {
		var sev Severity
		switch {
		case q.DaysSinceContact >= p.InquiryWarningDays:
			sev = SeverityWarning
		case q.DaysSinceContact >= p.InquiryInfoDays:
			sev = SeverityInfo
		default:
			continue
		}
		add(Alert{
			Key:       fmt.Sprintf("inquiry:%d", q.InquiryID),
			Severity:  sev,
			Category:  AlertInquiry,
			Title:     "Inquiry needs follow-up",
			Message:   fmt.Sprintf("%s not contacted for %d days", nameOr(q.Name, fmt.Sprintf("Inquiry %d", q.InquiryID)), q.DaysSinceContact),
			SubjectID: q.InquiryID,
		})
	}

	for _, b := range in.Signals.Batches {
		days := DaysBetween(now, b.StartDate)
		if days < 0 || days > p.BatchStartWindowDays || b.Capacity <= 0 || b.Enrolled >= b.Capacity {
			continue
		}
		add(Alert{
			Key:       fmt.Sprintf("batch:%d", b.BatchID),
			Severity:  SeverityWarning,
			Category:  AlertBatch,
			Title:     "Upcoming batch under capacity",
			Message:   fmt.Sprintf("%s starts in %d days with %d/%d seats filled", nameOr(b.Name, fmt.Sprintf("Batch %d", b.BatchID)), days, b.Enrolled, b.Capacity),
			SubjectID: b.BatchID,
		})
	}

	if s := in.Summary; s != nil && s.ExpectedRevenue.IsPositive() && s.CollectionRate.LessThan(p.CollectionRateWarningBelow) {
		outstanding := s.ExpectedRevenue.Sub(s.CollectedRevenue)
		add(Alert{
			Key:      "finance:collection-rate",
			Severity: SeverityWarning,
			Category: AlertFinance,
			Title:    "Collection rate below target",
			Message: fmt.Sprintf("Collected %s of %s expected (%s%%)",
				s.CollectedRevenue.StringFixed(MoneyPlaces), s.ExpectedRevenue.StringFixed(MoneyPlaces),
				s.CollectionRate.Shift(2).StringFixed(1)),
			Amount: &outstanding,
		})
	}

	return set
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// =============================================================================
// CATEGORIZED VIEW
// =============================================================================

type AlertSummary struct {
	Critical []Alert
	Warning  []Alert
	Info     []Alert
	Counts   map[Severity]int
	Total    int
}

// Categorize splits a set by severity, each list sorted by key.
func Categorize(set AlertSet) AlertSummary {
	all := make([]Alert, 0, len(set))
	for _, a := range set {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Severity.rank() != all[j].Severity.rank() {
			return all[i].Severity.rank() < all[j].Severity.rank()
		}
		return all[i].Key < all[j].Key
	})

	s := AlertSummary{Counts: map[Severity]int{SeverityCritical: 0, SeverityWarning: 0, SeverityInfo: 0}}
	for _, a := range all {
		switch a.Severity {
		case SeverityCritical:
			s.Critical = append(s.Critical, a)
		case SeverityWarning:
			s.Warning = append(s.Warning, a)
		default:
			s.Info = append(s.Info, a)
		}
		s.Counts[a.Severity]++
	}
	s.Total = len(all)
	return s
}
