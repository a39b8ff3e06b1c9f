package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Archiver/internal/convert"
	"github.com/CZERTAINLY/Archiver/internal/httpapi"
	"github.com/CZERTAINLY/Archiver/internal/log"
	"github.com/CZERTAINLY/Archiver/internal/model"
	"github.com/CZERTAINLY/Archiver/internal/parallel"
	"github.com/CZERTAINLY/Archiver/internal/service"
	"github.com/CZERTAINLY/Archiver/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newConverter(ctx context.Context, cmdName string) (context.Context, *convert.Service, error) {
	ctx = log.ContextAttrs(ctx, slog.Group("archiver",
		slog.String("cmd", cmdName),
		slog.Int("pid", os.Getpid()),
	))
	svc, err := convert.FromConfig(config, service.NewRunner())
	if err != nil {
		return ctx, nil, err
	}
	return ctx, svc, nil
}

type convertFlags struct {
	template  string
	outDir    string
	cookieJar string
	timeout   time.Duration
	parallel  int
}

func convertCmd() *cobra.Command {
	var flags convertFlags
	cmd := &cobra.Command{
		Use:   "convert URL...",
		Short: "convert webpages to PDF documents stored in an output directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doConvert(cmd.Context(), flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.template, "template", "", "command template id, the configured default when empty")
	cmd.Flags().StringVarP(&flags.outDir, "output", "o", ".", "directory for the produced documents")
	cmd.Flags().StringVar(&flags.cookieJar, "cookie-jar", "", "cookie jar created by the login command")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "conversion timeout, the configured one when zero")
	cmd.Flags().IntVarP(&flags.parallel, "parallel", "p", 0, "number of parallel conversions, 0 derives it from available CPUs")
	return cmd
}

func doConvert(ctx context.Context, flags convertFlags, urls []string) error {
	ctx, svc, err := newConverter(ctx, "convert")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(flags.outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	limit := service.ResolvePoolSize(flags.parallel)
	conv := func(ctx context.Context, u string) (string, error) {
		artifact, err := svc.Convert(ctx, model.ConversionRequest{
			TemplateID: flags.template,
			URL:        u,
			CookieJar:  flags.cookieJar,
			TimeoutMs:  flags.timeout.Milliseconds(),
		})
		if err != nil {
			return "", err
		}
		slog.DebugContext(ctx, "converted", "url", u, "pages", artifact.Pages, "size", artifact.Size)
		return save(artifact, flags.outDir)
	}

	var errs []error
	for r := range parallel.Map(ctx, limit, slices.Values(urls), conv) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.In, r.Err))
			continue
		}
		fmt.Printf("%s\t%s\n", r.In, r.Out)
	}
	return errors.Join(errs...)
}

// save moves the artifact into dir, never overwriting an existing file.
func save(artifact model.Artifact, dir string) (string, error) {
	defer func() {
		_ = artifact.Remove()
	}()
	src, err := os.Open(artifact.Path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = src.Close()
	}()

	ext := filepath.Ext(artifact.FileName)
	base := strings.TrimSuffix(artifact.FileName, ext)
	for i := 0; ; i++ {
		name := artifact.FileName
		if i > 0 {
			name = base + "-" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(dir, filepath.Base(name))
		dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		_, err = io.Copy(dst, src)
		if err = errors.Join(err, dst.Close()); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		return path, nil
	}
}

func loginCmd() *cobra.Command {
	var (
		template    string
		loginURL    string
		credentials []string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "run a login template and print the path of the created cookie jar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, svc, err := newConverter(cmd.Context(), "login")
			if err != nil {
				return err
			}
			var jar model.CookieJar
			if len(credentials) > 0 {
				creds, err := parseCredentials(credentials)
				if err != nil {
					return err
				}
				jar, err = svc.LoginWithCredentials(ctx, template, creds)
				if err != nil {
					return err
				}
			} else {
				jar, err = svc.Login(ctx, template, loginURL)
				if err != nil {
					return err
				}
			}
			fmt.Println(jar.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "login template id, the configured login template when empty")
	cmd.Flags().StringVar(&loginURL, "url", "", "login page url")
	cmd.Flags().StringArrayVar(&credentials, "credential", nil, "name=value substituted into {name} of the template, test mode only")
	return cmd
}

func parseCredentials(kvs []string) (map[string]string, error) {
	ret := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("credential %q: expected name=value", kv)
		}
		ret[k] = v
	}
	return ret, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the HTTP API and run archive jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = config.Addr()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return doServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, service.addr from the config when empty")
	return cmd
}

func doServe(ctx context.Context, addr string) (err error) {
	ctx, svc, err := newConverter(ctx, "serve")
	if err != nil {
		return err
	}
	if !svc.Available("") {
		slog.WarnContext(ctx, "conversion tool of the default template is not available", "template", config.DefaultTemplate())
	}

	db, err := store.Open(ctx, config.StorePath())
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	publishers, err := service.PublishersFromConfig(config, db)
	if err != nil {
		return errors.Join(err, db.Close())
	}
	defer func() {
		err = errors.Join(err, publishers.Close())
	}()

	scheduler := service.SchedulerFromConfig(config, svc, db, publishers)
	janitor, err := service.JanitorFromConfig(ctx, config, scheduler)
	if err != nil {
		return err
	}
	if janitor != nil {
		janitor.Start()
		defer func() {
			err = errors.Join(err, janitor.Shutdown())
		}()
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.Server{
			Converter: svc,
			Jobs:      scheduler,
			Artifacts: db,
		}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(gctx, "listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
