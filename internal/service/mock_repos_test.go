package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"trialpay/internal/model"
	"trialpay/internal/repository"
	pkgerrors "trialpay/pkg/errors"
)

// ── 测试仓储聚合 ──

type testRepos struct {
	user      *mockUserRepo
	perm      *mockPermissionRepo
	patient   *mockPatientRepo
	trial     *mockTrialRepo
	visitType *mockVisitTypeRepo
	fee       *mockFeeScheduleRepo
	expense   *mockExpenseRepo
	item      *mockExpenseItemRepo
	changeLog *mockChangeLogRepo
}

func newTestRepos() (*repository.Repository, *testRepos) {
	m := &testRepos{
		user:      newMockUserRepo(),
		perm:      newMockPermissionRepo(),
		patient:   newMockPatientRepo(),
		trial:     newMockTrialRepo(),
		visitType: newMockVisitTypeRepo(),
		fee:       newMockFeeScheduleRepo(),
		item:      newMockExpenseItemRepo(),
		changeLog: &mockChangeLogRepo{},
	}
	m.expense = newMockExpenseRepo(m.item)
	repo := &repository.Repository{
		User:        m.user,
		Permission:  m.perm,
		Patient:     m.patient,
		Trial:       m.trial,
		VisitType:   m.visitType,
		FeeSchedule: m.fee,
		Expense:     m.expense,
		ExpenseItem: m.item,
		ChangeLog:   m.changeLog,
	}
	return repo, m
}

var mockSeq int

func nextID(prefix string) string {
	mockSeq++
	return fmt.Sprintf("%s-%d", prefix, mockSeq)
}

// ── Mock UserRepository ──

type mockUserRepo struct {
	users map[string]*model.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User)}
}

func (m *mockUserRepo) Create(_ context.Context, user *model.User) error {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return gorm.ErrDuplicatedKey
		}
	}
	if user.UserID == "" {
		user.UserID = nextID("u")
	}
	if user.Version == 0 {
		user.Version = 1
	}
	c := *user
	m.users[user.UserID] = &c
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserRepo) Update(_ context.Context, user *model.User) error {
	stored, ok := m.users[user.UserID]
	if !ok || stored.Version != user.Version {
		return pkgerrors.ErrOptimisticLock
	}
	user.Version++
	c := *user
	m.users[user.UserID] = &c
	return nil
}

func (m *mockUserRepo) ListWithFilters(_ context.Context, filters *repository.UserListFilters, offset, limit int) ([]model.User, int64, error) {
	var result []model.User
	for _, u := range m.users {
		if filters != nil && filters.Role != "" && u.Role != filters.Role {
			continue
		}
		result = append(result, *u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return page(result, offset, limit), int64(len(result)), nil
}

func (m *mockUserRepo) Delete(_ context.Context, id string, _ string) error {
	delete(m.users, id)
	return nil
}

// ── Mock UserPermissionRepository ──

type mockPermissionRepo struct {
	caps map[string][]string
	err  error
}

func newMockPermissionRepo() *mockPermissionRepo {
	return &mockPermissionRepo{caps: make(map[string][]string)}
}

func (m *mockPermissionRepo) ListCapabilities(_ context.Context, userID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := append([]string(nil), m.caps[userID]...)
	sort.Strings(out)
	return out, nil
}

func (m *mockPermissionRepo) Replace(_ context.Context, userID string, capabilities []string, _ string) error {
	m.caps[userID] = append([]string(nil), capabilities...)
	return nil
}

func (m *mockPermissionRepo) Grant(_ context.Context, userID string, capabilities []string, _ string) error {
	have := make(map[string]bool)
	for _, c := range m.caps[userID] {
		have[c] = true
	}
	for _, c := range capabilities {
		if !have[c] {
			m.caps[userID] = append(m.caps[userID], c)
			have[c] = true
		}
	}
	return nil
}

// ── Mock PatientRepository ──

type mockPatientRepo struct {
	patients map[string]*model.Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[string]*model.Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, patient *model.Patient) error {
	for _, p := range m.patients {
		if p.Code == patient.Code {
			return gorm.ErrDuplicatedKey
		}
	}
	if patient.PatientID == "" {
		patient.PatientID = nextID("p")
	}
	if patient.Version == 0 {
		patient.Version = 1
	}
	c := *patient
	m.patients[patient.PatientID] = &c
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id string) (*model.Patient, error) {
	if p, ok := m.patients[id]; ok {
		c := *p
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockPatientRepo) GetByCode(_ context.Context, code string) (*model.Patient, error) {
	for _, p := range m.patients {
		if p.Code == code {
			c := *p
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockPatientRepo) Update(_ context.Context, patient *model.Patient) error {
	stored, ok := m.patients[patient.PatientID]
	if !ok || stored.Version != patient.Version {
		return pkgerrors.ErrOptimisticLock
	}
	patient.Version++
	c := *patient
	m.patients[patient.PatientID] = &c
	return nil
}

func (m *mockPatientRepo) ListWithFilters(_ context.Context, filters *repository.PatientListFilters, offset, limit int) ([]model.Patient, int64, error) {
	var result []model.Patient
	for _, p := range m.patients {
		if filters != nil {
			if filters.Status != "" && p.Status != filters.Status {
				continue
			}
			if filters.Keyword != "" && !strings.Contains(p.Code+p.FirstName+p.LastName, filters.Keyword) {
				continue
			}
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return page(result, offset, limit), int64(len(result)), nil
}

func (m *mockPatientRepo) Delete(_ context.Context, id string, _ string) error {
	delete(m.patients, id)
	return nil
}

// ── Mock TrialRepository ──

type mockTrialRepo struct {
	trials map[string]*model.Trial
}

func newMockTrialRepo() *mockTrialRepo {
	return &mockTrialRepo{trials: make(map[string]*model.Trial)}
}

func (m *mockTrialRepo) Create(_ context.Context, trial *model.Trial) error {
	if trial.TrialID == "" {
		trial.TrialID = nextID("t")
	}
	if trial.Version == 0 {
		trial.Version = 1
	}
	c := *trial
	m.trials[trial.TrialID] = &c
	return nil
}

func (m *mockTrialRepo) GetByID(_ context.Context, id string) (*model.Trial, error) {
	if t, ok := m.trials[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockTrialRepo) GetByName(_ context.Context, name string) (*model.Trial, error) {
	for _, t := range m.trials {
		if t.Name == name {
			c := *t
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockTrialRepo) List(_ context.Context, includeInactive bool) ([]model.Trial, error) {
	var result []model.Trial
	for _, t := range m.trials {
		if !includeInactive && !t.IsActive {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *mockTrialRepo) Update(_ context.Context, trial *model.Trial) error {
	stored, ok := m.trials[trial.TrialID]
	if !ok || stored.Version != trial.Version {
		return pkgerrors.ErrOptimisticLock
	}
	trial.Version++
	c := *trial
	m.trials[trial.TrialID] = &c
	return nil
}

func (m *mockTrialRepo) Delete(_ context.Context, id string, _ string) error {
	delete(m.trials, id)
	return nil
}

// ── Mock VisitTypeRepository ──

type mockVisitTypeRepo struct {
	visitTypes map[string]*model.VisitType
	listErr    error
	listCalls  int
	// writeHook 非 nil 时在 Create/Update 前调用，返回错误则写入失败
	writeHook func(vt *model.VisitType) error
}

func newMockVisitTypeRepo() *mockVisitTypeRepo {
	return &mockVisitTypeRepo{visitTypes: make(map[string]*model.VisitType)}
}

func (m *mockVisitTypeRepo) Create(_ context.Context, vt *model.VisitType) error {
	if m.writeHook != nil {
		if err := m.writeHook(vt); err != nil {
			return err
		}
	}
	if vt.VisitTypeID == "" {
		vt.VisitTypeID = nextID("vt")
	}
	c := *vt
	m.visitTypes[vt.VisitTypeID] = &c
	return nil
}

func (m *mockVisitTypeRepo) GetByID(_ context.Context, id string) (*model.VisitType, error) {
	if vt, ok := m.visitTypes[id]; ok {
		c := *vt
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockVisitTypeRepo) ListByTrial(_ context.Context, trialID string) ([]model.VisitType, error) {
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []model.VisitType
	for _, vt := range m.visitTypes {
		if vt.TrialID == trialID {
			result = append(result, *vt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderNumber < result[j].OrderNumber })
	return result, nil
}

func (m *mockVisitTypeRepo) Update(_ context.Context, vt *model.VisitType) error {
	if m.writeHook != nil {
		if err := m.writeHook(vt); err != nil {
			return err
		}
	}
	c := *vt
	m.visitTypes[vt.VisitTypeID] = &c
	return nil
}

func (m *mockVisitTypeRepo) Delete(_ context.Context, id string) error {
	delete(m.visitTypes, id)
	return nil
}

// ── Mock FeeScheduleRepository ──

type mockFeeScheduleRepo struct {
	schedules map[string]*model.FeeSchedule
}

func newMockFeeScheduleRepo() *mockFeeScheduleRepo {
	return &mockFeeScheduleRepo{schedules: make(map[string]*model.FeeSchedule)}
}

func (m *mockFeeScheduleRepo) ListByTrial(_ context.Context, trialID string) ([]model.FeeSchedule, error) {
	var result []model.FeeSchedule
	for _, fs := range m.schedules {
		if fs.TrialID == trialID {
			result = append(result, *fs)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Category < result[j].Category })
	return result, nil
}

func (m *mockFeeScheduleRepo) GetByID(_ context.Context, id string) (*model.FeeSchedule, error) {
	if fs, ok := m.schedules[id]; ok {
		c := *fs
		return &c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockFeeScheduleRepo) Upsert(_ context.Context, fs *model.FeeSchedule) error {
	for id, existing := range m.schedules {
		if existing.TrialID == fs.TrialID && existing.Category == fs.Category {
			fs.FeeScheduleID = id
			c := *fs
			m.schedules[id] = &c
			return nil
		}
	}
	fs.FeeScheduleID = nextID("fs")
	c := *fs
	m.schedules[fs.FeeScheduleID] = &c
	return nil
}

func (m *mockFeeScheduleRepo) Delete(_ context.Context, id string) error {
	delete(m.schedules, id)
	return nil
}

// ── Mock PatientExpenseRepository ──

type mockExpenseRepo struct {
	expenses   map[string]*model.PatientExpense
	items      *mockExpenseItemRepo
	namesErr   error
	namesCalls int
}

func newMockExpenseRepo(items *mockExpenseItemRepo) *mockExpenseRepo {
	return &mockExpenseRepo{expenses: make(map[string]*model.PatientExpense), items: items}
}

// Create 模拟 (patient_id, trial_id, visit_type) 唯一约束
func (m *mockExpenseRepo) Create(_ context.Context, expense *model.PatientExpense) error {
	for _, e := range m.expenses {
		if e.PatientID == expense.PatientID && e.TrialID == expense.TrialID && e.VisitType == expense.VisitType {
			return gorm.ErrDuplicatedKey
		}
	}
	if expense.PatientExpenseID == "" {
		expense.PatientExpenseID = nextID("pe")
	}
	if expense.Version == 0 {
		expense.Version = 1
	}
	now := time.Now()
	expense.CreatedAt, expense.UpdatedAt = now, now
	c := *expense
	c.Items = nil
	m.expenses[expense.PatientExpenseID] = &c
	return nil
}

func (m *mockExpenseRepo) GetByID(_ context.Context, id string) (*model.PatientExpense, error) {
	e, ok := m.expenses[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *e
	c.Items = append([]model.ExpenseItem(nil), m.items.items[id]...)
	return &c, nil
}

func (m *mockExpenseRepo) ListVisitNames(_ context.Context, patientID, trialID string) ([]string, error) {
	m.namesCalls++
	if m.namesErr != nil {
		return nil, m.namesErr
	}
	var names []string
	for _, e := range m.expenses {
		if e.PatientID == patientID && e.TrialID == trialID {
			names = append(names, e.VisitType)
		}
	}
	return names, nil
}

func (m *mockExpenseRepo) filter(filters *repository.ExpenseListFilters) []model.PatientExpense {
	var result []model.PatientExpense
	for id, e := range m.expenses {
		if filters != nil {
			if filters.PatientID != "" && e.PatientID != filters.PatientID {
				continue
			}
			if filters.TrialID != "" && e.TrialID != filters.TrialID {
				continue
			}
			if filters.VisitType != "" && e.VisitType != filters.VisitType {
				continue
			}
			if filters.DateFrom != nil && e.VisitDate.Before(*filters.DateFrom) {
				continue
			}
			if filters.DateTo != nil && e.VisitDate.After(*filters.DateTo) {
				continue
			}
		}
		c := *e
		c.Items = append([]model.ExpenseItem(nil), m.items.items[id]...)
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VisitDate.Before(result[j].VisitDate) })
	return result
}

func (m *mockExpenseRepo) ListWithFilters(_ context.Context, filters *repository.ExpenseListFilters, offset, limit int) ([]model.PatientExpense, int64, error) {
	result := m.filter(filters)
	return page(result, offset, limit), int64(len(result)), nil
}

func (m *mockExpenseRepo) ListForReport(_ context.Context, filters *repository.ExpenseListFilters) ([]model.PatientExpense, error) {
	return m.filter(filters), nil
}

func (m *mockExpenseRepo) Update(_ context.Context, expense *model.PatientExpense) error {
	stored, ok := m.expenses[expense.PatientExpenseID]
	if !ok || stored.Version != expense.Version {
		return pkgerrors.ErrOptimisticLock
	}
	expense.Version++
	c := *expense
	c.Items = nil
	m.expenses[expense.PatientExpenseID] = &c
	return nil
}

func (m *mockExpenseRepo) Delete(_ context.Context, id string) error {
	delete(m.expenses, id)
	delete(m.items.items, id)
	return nil
}

// ── Mock ExpenseItemRepository ──

type mockExpenseItemRepo struct {
	items map[string][]model.ExpenseItem
}

func newMockExpenseItemRepo() *mockExpenseItemRepo {
	return &mockExpenseItemRepo{items: make(map[string][]model.ExpenseItem)}
}

func (m *mockExpenseItemRepo) BatchCreate(_ context.Context, items []model.ExpenseItem) error {
	for i := range items {
		if items[i].ExpenseItemID == "" {
			items[i].ExpenseItemID = nextID("ei")
		}
		id := items[i].PatientExpenseID
		m.items[id] = append(m.items[id], items[i])
	}
	return nil
}

func (m *mockExpenseItemRepo) ListByExpense(_ context.Context, expenseID string) ([]model.ExpenseItem, error) {
	return append([]model.ExpenseItem(nil), m.items[expenseID]...), nil
}

func (m *mockExpenseItemRepo) DeleteByExpense(_ context.Context, expenseID string) error {
	delete(m.items, expenseID)
	return nil
}

func (m *mockExpenseItemRepo) ReceiptKeyInUse(_ context.Context, key, excludeExpenseID string) (bool, error) {
	for expenseID, items := range m.items {
		if expenseID == excludeExpenseID {
			continue
		}
		for _, it := range items {
			if it.ReceiptKey != nil && *it.ReceiptKey == key {
				return true, nil
			}
		}
	}
	return false, nil
}

// ── Mock ExpenseChangeLogRepository ──

type mockChangeLogRepo struct {
	logs []model.ExpenseChangeLog
}

func (m *mockChangeLogRepo) Create(_ context.Context, log *model.ExpenseChangeLog) error {
	log.LogID = nextID("log")
	log.CreatedAt = time.Now()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *mockChangeLogRepo) ListByExpense(_ context.Context, expenseID string, offset, limit int) ([]model.ExpenseChangeLog, int64, error) {
	var result []model.ExpenseChangeLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].PatientExpenseID == expenseID {
			result = append(result, m.logs[i])
		}
	}
	return page(result, offset, limit), int64(len(result)), nil
}

// page 模拟 Offset/Limit
func page[T any](list []T, offset, limit int) []T {
	if offset >= len(list) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(list) {
		end = len(list)
	}
	return list[offset:end]
}
