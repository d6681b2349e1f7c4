// Точка входа шлюза Plat'AU ↔ Prevarisc.
// Каждая подкоманда собирает зависимости (app.go), выполняет одну операцию
// синхронизации и завершается; daemon выполняет циклы периодически.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigkaa/passerelle-platau/internal/database"
	"github.com/bigkaa/passerelle-platau/internal/platau"
	"github.com/bigkaa/passerelle-platau/internal/workflow"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "passerelle: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passerelle",
		Short: "Шлюз Plat'AU ↔ Prevarisc",
		Long: `Шлюз синхронизирует консультации Plat'AU с базой Prevarisc:
импорт консультаций и пьес, экспорт prises en compte métier, avis и вложений.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Файл конфигурации (.env, .yaml, .toml)")
	cmd.AddCommand(
		newHealthcheckCmd(),
		newImportCmd(),
		newImportPiecesCmd(),
		newExportPECCmd(),
		newExportAvisCmd(),
		newExportPiecesCmd(),
		newEnrolerActeurCmd(),
		newDetailsConsultationCmd(),
		newDaemonCmd(),
		newMiseAJourSchemaCmd(),
	)
	return cmd
}

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Проверка Plat'AU, подключения и совместимости базы Prevarisc",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			msg, err := a.runner.Healthcheck(cmd.Context())
			if err != nil {
				var hcErr *workflow.HealthcheckError
				if errors.As(err, &hcErr) {
					fmt.Fprintln(cmd.OutOrStdout(), hcErr.Message)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Импорт консультаций Plat'AU, ожидающих prise en compte",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "import", func(ctx context.Context, r *workflow.Runner) (*workflow.Report, error) {
				return r.Import(ctx)
			})
		},
	}
}

func newImportPiecesCmd() *cobra.Command {
	var forceNonPEC bool
	cmd := &cobra.Command{
		Use:   "import-pieces",
		Short: "Импорт пьес принятых консультаций",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "import-pieces", func(ctx context.Context, r *workflow.Runner) (*workflow.Report, error) {
				return r.ImportPieces(ctx, forceNonPEC)
			})
		},
	}
	cmd.Flags().BoolVar(&forceNonPEC, "force-non-pec", false, "Импортировать пьесы и у непринятых консультаций")
	return cmd
}

func newExportPECCmd() *cobra.Command {
	var (
		consultationID string
		delai          int
	)
	cmd := &cobra.Command{
		Use:   "export-pec",
		Short: "Отправка prises en compte métier в Plat'AU",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := workflow.ExportPECOptions{ConsultationID: consultationID}
			if cmd.Flags().Changed("delai-reponse") {
				if delai <= 0 {
					return fmt.Errorf("--delai-reponse: значение должно быть положительным, получено %d", delai)
				}
				opts.DelaiJours = &delai
			}
			return runWorkflow(cmd, "export-pec", func(ctx context.Context, r *workflow.Runner) (*workflow.Report, error) {
				return r.ExportPEC(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&consultationID, "consultation-id", "", "ID консультации (по умолчанию все подходящие)")
	cmd.Flags().IntVar(&delai, "delai-reponse", 0, "Срок ответа в днях")
	return cmd
}

func newExportAvisCmd() *cobra.Command {
	var consultationID string
	cmd := &cobra.Command{
		Use:   "export-avis",
		Short: "Отправка avis в Plat'AU",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "export-avis", func(ctx context.Context, r *workflow.Runner) (*workflow.Report, error) {
				return r.ExportAvis(ctx, consultationID)
			})
		},
	}
	cmd.Flags().StringVar(&consultationID, "consultation-id", "", "ID консультации (по умолчанию все подходящие)")
	return cmd
}

func newExportPiecesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-pieces",
		Short: "Отправка вложений Prevarisc в Plat'AU через Syncplicity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "export-pieces", func(ctx context.Context, r *workflow.Runner) (*workflow.Report, error) {
				return r.ExportPieces(ctx)
			})
		},
	}
}

func newEnrolerActeurCmd() *cobra.Command {
	var req platau.EnrolementRequest
	cmd := &cobra.Command{
		Use:   "enroler-acteur",
		Short: "Регистрация service consultable в Plat'AU",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}

			id, err := a.remote.EnrolerActeur(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.DesignationActeur, "designation", "", "Наименование сервиса")
	cmd.Flags().StringVar(&req.Mail, "mail", "", "Email сервиса")
	cmd.Flags().StringVar(&req.Siren, "siren", "", "SIREN сервиса (9 цифр)")
	_ = cmd.MarkFlagRequired("designation")
	_ = cmd.MarkFlagRequired("mail")
	_ = cmd.MarkFlagRequired("siren")
	return cmd
}

func newDetailsConsultationCmd() *cobra.Command {
	var champ string
	cmd := &cobra.Command{
		Use:   "details-consultation ID",
		Short: "Вывод полей консультации Plat'AU",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}

			lines, err := a.remote.DetailsConsultation(cmd.Context(), args[0], champ)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&champ, "champ", "", "Поле через точку, например dossier.noLocal")
	return cmd
}

func newMiseAJourSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mise-a-jour-schema",
		Short: "Применение миграций шлюза к базе Prevarisc",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return database.Migrate(cfg, logger)
		},
	}
}

// runWorkflow собирает зависимости, проверяет готовность базы, выполняет
// команду, печатает отчёт и отправляет метрики.
func runWorkflow(cmd *cobra.Command, name string, fn func(context.Context, *workflow.Runner) (*workflow.Report, error)) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.runner.CheckReady(ctx); err != nil {
		return err
	}

	rep, err := fn(ctx, a.runner)
	if rep != nil {
		printReport(cmd.OutOrStdout(), rep)
	}
	a.pushMetrics(name)
	if err != nil {
		a.logger.Error("Команда завершилась с ошибкой",
			slog.String("command", name),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// printReport печатает строку на каждую консультацию и итоговую строку.
func printReport(w io.Writer, rep *workflow.Report) {
	for _, res := range rep.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", res.ConsultationID, res.Outcome, res.Message)
	}
	success, skipped, failed := rep.Counts()
	fmt.Fprintf(w, "%s: успешно %d, пропущено %d, ошибок %d\n", rep.Command, success, skipped, failed)
}
