package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/dto"
	"github.com/noah-isme/space-intake-api/internal/models"
	"github.com/noah-isme/space-intake-api/internal/payments"
	"github.com/noah-isme/space-intake-api/internal/repository"
	"github.com/noah-isme/space-intake-api/pkg/config"
	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

var (
	schemaPattern = regexp.MustCompile(`^[a-z][0-9a-z_]*$`)
	pubkeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

type applicationStore interface {
	Create(ctx context.Context, params repository.CreateParams) (*models.Application, error)
	Get(ctx context.Context, schema string) (*models.Application, error)
	Approve(ctx context.Context, schema, message string) (*models.Application, error)
	Reject(ctx context.Context, schema, message string) (*models.Application, error)
	Delete(ctx context.Context, schema string) (*models.Application, error)
	List(ctx context.Context, limit int) ([]models.Application, error)
}

type spaceNotifier interface {
	SendToAdmin(ctx context.Context, content string) error
	SendDirect(ctx context.Context, pubkey, content string) error
}

type configMaterializer interface {
	Write(app *models.Application, secret string) (string, error)
	Remove(schema string) error
	Host(schema string) string
}

type roomProvisioner interface {
	Provision(ctx context.Context, host string) error
}

type settlementWallet interface {
	LookupSettlement(ctx context.Context, paymentHash string) (bool, error)
	MakeInvoice(ctx context.Context, amountMsat int64, description string) (string, error)
}

type transitionMetrics interface {
	RecordTransition(transition string)
}

// ApplicationService drives the application lifecycle: intake with the
// payment gate, admin-triggered transitions, and the provisioning side
// effects that follow an approval.
type ApplicationService struct {
	repo      applicationStore
	notifier  spaceNotifier
	configs   configMaterializer
	rooms     roomProvisioner
	wallet    settlementWallet
	metrics   transitionMetrics
	payments  config.PaymentsConfig
	intake    config.IntakeConfig
	validator *validator.Validate
	logger    *zap.Logger

	newSecret func() (string, error)
}

// NewApplicationService constructs the service. The wallet and room
// provisioner may be nil when the deployment runs without them.
func NewApplicationService(
	repo applicationStore,
	notifier spaceNotifier,
	configs configMaterializer,
	rooms roomProvisioner,
	wallet settlementWallet,
	metrics transitionMetrics,
	paymentsCfg config.PaymentsConfig,
	intakeCfg config.IntakeConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *ApplicationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplicationService{
		repo:      repo,
		notifier:  notifier,
		configs:   configs,
		rooms:     rooms,
		wallet:    wallet,
		metrics:   metrics,
		payments:  paymentsCfg,
		intake:    intakeCfg,
		validator: validate,
		logger:    logger,
		newSecret: randomSecret,
	}
}

// Create validates and stores an inbound submission. The second return value
// is a human-readable refusal for the applicant; it is set, with a nil
// application, when the submission was understood but declined. A non-nil
// error means the system itself failed.
func (s *ApplicationService) Create(ctx context.Context, sub dto.Submission) (*models.Application, string, error) {
	if err := s.validator.Struct(sub); err != nil {
		return nil, reportValidation(err), nil
	}
	sub.Schema = strings.ToLower(strings.TrimSpace(sub.Schema))
	if !schemaPattern.MatchString(sub.Schema) {
		return nil, "schema must start with a letter and contain only lowercase letters, digits and underscores", nil
	}
	if !pubkeyPattern.MatchString(strings.ToLower(sub.Pubkey)) {
		return nil, "pubkey must be 64 lowercase hex characters", nil
	}

	if refusal, err := s.gatePayment(ctx, sub.Payment); refusal != "" || err != nil {
		return nil, refusal, err
	}

	app, err := s.repo.Create(ctx, repository.CreateParams{
		Schema:      sub.Schema,
		Pubkey:      strings.ToLower(sub.Pubkey),
		Name:        sub.Name,
		Description: sub.Description,
		Image:       sub.Image,
		Metadata:    models.Metadata(sub.Metadata),
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrDuplicateSchema) {
			return nil, "schema already in use", nil
		}
		return nil, "", err
	}

	s.recordTransition("created")

	if err := s.notifier.SendToAdmin(ctx, renderSubmission(app)); err != nil {
		s.logger.Error("admin notification failed", zap.String("schema", app.Schema), zap.Error(err))
	}

	if !s.intake.RequireApproval {
		approved, err := s.Approve(ctx, dto.TransitionParams{Schema: app.Schema})
		if err != nil {
			s.logger.Error("auto-approval failed", zap.String("schema", app.Schema), zap.Error(err))
			return app, "", nil
		}
		s.logger.Info("application auto-approved", zap.String("schema", app.Schema))
		return approved, "", nil
	}

	return app, "", nil
}

// gatePayment enforces the invoice requirement. It returns a refusal string
// for applicant-facing declines and an error only for infrastructure faults.
func (s *ApplicationService) gatePayment(ctx context.Context, proof string) (string, error) {
	if s.payments.SatsPerMonth <= 0 || s.payments.TrialDays > 0 {
		return "", nil
	}
	if proof == "" {
		return "payment required", nil
	}
	hash, err := payments.DecodeProof(proof)
	if err != nil {
		return "malformed payment proof", nil
	}
	if s.wallet == nil {
		return "payment system not configured", nil
	}
	settled, err := s.wallet.LookupSettlement(ctx, hash)
	if err != nil {
		s.logger.Error("settlement lookup failed", zap.Error(err))
		return "could not verify payment", nil
	}
	if !settled {
		return "payment not settled", nil
	}
	return "", nil
}

// Approve transitions a pending or rejected application to approved, writes
// the space config with a fresh secret and notifies the applicant. Applicant
// notification and room provisioning are best effort; the transition and the
// config write are not.
func (s *ApplicationService) Approve(ctx context.Context, params dto.TransitionParams) (*models.Application, error) {
	app, err := s.repo.Approve(ctx, params.Schema, params.Message)
	if err != nil {
		return nil, err
	}
	s.recordTransition("approved")

	secret, err := s.newSecret()
	if err != nil {
		return nil, appErrors.Wrap(err, "SECRET_GENERATION", 500, "failed to generate space secret")
	}
	host, err := s.configs.Write(app, secret)
	if err != nil {
		return nil, appErrors.Wrap(err, "CONFIG_WRITE", 500, "failed to write space config")
	}
	s.logger.Info("space config written", zap.String("schema", app.Schema), zap.String("host", host))

	if err := s.notifier.SendDirect(ctx, app.Pubkey, approvalMessage(app, host, params.Message)); err != nil {
		s.logger.Error("applicant notification failed", zap.String("schema", app.Schema), zap.Error(err))
		escalation := fmt.Sprintf("Failed to notify applicant %s about approval of %s: %v", app.Pubkey, app.Schema, err)
		if adminErr := s.notifier.SendToAdmin(ctx, escalation); adminErr != nil {
			s.logger.Error("escalation to admin failed", zap.Error(adminErr))
		}
	}

	if s.rooms != nil {
		if err := s.rooms.Provision(ctx, host); err != nil {
			s.logger.Warn("room provisioning failed", zap.String("host", host), zap.Error(err))
		}
	}

	return app, nil
}

// Reject transitions an application to rejected and notifies the applicant.
func (s *ApplicationService) Reject(ctx context.Context, params dto.TransitionParams) (*models.Application, error) {
	app, err := s.repo.Reject(ctx, params.Schema, params.Message)
	if err != nil {
		return nil, err
	}
	s.recordTransition("rejected")

	if err := s.notifier.SendDirect(ctx, app.Pubkey, rejectionMessage(app, params.Message)); err != nil {
		s.logger.Error("applicant notification failed", zap.String("schema", app.Schema), zap.Error(err))
		escalation := fmt.Sprintf("Failed to notify applicant %s about rejection of %s: %v", app.Pubkey, app.Schema, err)
		if adminErr := s.notifier.SendToAdmin(ctx, escalation); adminErr != nil {
			s.logger.Error("escalation to admin failed", zap.Error(adminErr))
		}
	}

	return app, nil
}

// Delete removes the application row and its config artifact. An unknown
// schema yields ErrNotFound so callers can word their reply accordingly.
func (s *ApplicationService) Delete(ctx context.Context, schema string) (*models.Application, error) {
	app, err := s.repo.Delete(ctx, schema)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, appErrors.ErrNotFound
	}
	s.recordTransition("deleted")
	if err := s.configs.Remove(schema); err != nil {
		s.logger.Error("config removal failed", zap.String("schema", schema), zap.Error(err))
	}
	return app, nil
}

// Get returns a single application, nil when absent.
func (s *ApplicationService) Get(ctx context.Context, schema string) (*models.Application, error) {
	return s.repo.Get(ctx, schema)
}

// List returns recent applications, newest first.
func (s *ApplicationService) List(ctx context.Context, limit int) ([]models.Application, error) {
	return s.repo.List(ctx, limit)
}

// Invoice returns a fresh invoice for one month of hosting, or an empty
// string when the deployment is free.
func (s *ApplicationService) Invoice(ctx context.Context) (string, error) {
	if s.payments.SatsPerMonth <= 0 {
		return "", nil
	}
	if s.wallet == nil {
		return "", appErrors.ErrUnconfigured
	}
	invoice, err := s.wallet.MakeInvoice(ctx, s.payments.SatsPerMonth*1000, "community space hosting, one month")
	if err != nil {
		return "", appErrors.Wrap(err, "INVOICE_FAILED", 502, "failed to create invoice")
	}
	return invoice, nil
}

func (s *ApplicationService) recordTransition(transition string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(transition)
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func reportValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return strings.ToLower(fieldErrs[0].Field()) + " is required"
	}
	return "invalid submission"
}

func renderSubmission(app *models.Application) string {
	var b strings.Builder
	b.WriteString("New space application\n")
	fmt.Fprintf(&b, "name: %s\n", app.Name)
	fmt.Fprintf(&b, "schema: %s\n", app.Schema)
	fmt.Fprintf(&b, "pubkey: %s\n", app.Pubkey)
	fmt.Fprintf(&b, "description: %s\n", app.Description)
	keys := make([]string, 0, len(app.Metadata))
	for k := range app.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, app.Metadata[k])
	}
	b.WriteString("Reply /help for commands")
	return b.String()
}

func approvalMessage(app *models.Application, host, message string) string {
	text := fmt.Sprintf("Your application for %s has been approved! Your space is being set up at https://%s", app.Name, host)
	if message != "" {
		text += "\n\n" + message
	}
	return text
}

func rejectionMessage(app *models.Application, message string) string {
	text := fmt.Sprintf("Your application for %s has been rejected.", app.Name)
	if message != "" {
		text += "\n\n" + message
	}
	return text
}
