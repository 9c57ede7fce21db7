package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tuusuario/ftpdrive/internal/bridge"
	"github.com/tuusuario/ftpdrive/internal/cgofs"
	"github.com/tuusuario/ftpdrive/internal/config"
	"github.com/tuusuario/ftpdrive/internal/events"
	"github.com/tuusuario/ftpdrive/internal/ftpfs"
	"github.com/tuusuario/ftpdrive/internal/logging"
	"github.com/tuusuario/ftpdrive/internal/metrics"
	"github.com/tuusuario/ftpdrive/internal/remote"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		fmt.Print(config.Usage())
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fmt.Fprint(os.Stderr, config.Usage())
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error al inicializar logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Error("ftpdrive terminó con error", logging.Err(err))
		_ = logging.Sync()
		os.Exit(1)
	}
	_ = logging.Sync()
}

func run(cfg *config.Config) error {
	bus := events.NewBus(1024)

	// Señales para desmontar limpiamente
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logEvents(ctx, bus)
		return nil
	})

	client, closeClient, err := connect(cfg, bus)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer closeClient()

	b := bridge.New(client, bridge.Options{Capacity: cfg.Capacity, Events: bus})
	defer b.Close()

	// Configurar punto de montaje
	if err := os.MkdirAll(cfg.MountPoint, 0755); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("error al crear punto de montaje: %w", err)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.MetricsAddr)
	}

	switch cfg.Backend {
	case config.BackendCgofuse:
		preload(b)
		opts := cgofs.Options{
			UID:        uint32(os.Getuid()),
			GID:        uint32(os.Getgid()),
			ReadOnly:   cfg.ReadOnly,
			AllowOther: cfg.AllowOther,
			FSName:     "ftpdrive@" + cfg.Addr(),
			Debug:      cfg.Debug,
		}
		if cfg.UID >= 0 {
			opts.UID = uint32(cfg.UID)
		}
		if cfg.GID >= 0 {
			opts.GID = uint32(cfg.GID)
		}
		logging.Info("Montando filesystem FTP con cgofuse", logging.String("mount", cfg.MountPoint))
		g.Go(func() error {
			defer cancel()
			return cgofs.Serve(ctx, cfg.MountPoint, b, opts)
		})
	default:
		if err := mountBazil(ctx, cancel, g, cfg, b); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	err = g.Wait()
	logging.Info("Desmontaje completado")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect dials the server, or builds the in-memory remote in -simple mode.
func connect(cfg *config.Config, bus *events.Bus) (remote.Client, func(), error) {
	if cfg.Simple {
		logging.Info("Modo simplificado: FS en memoria, sin servidor FTP")
		m := remote.NewMemory()
		m.AddFile("/LEEME.txt", []byte("ftpdrive en modo -simple: nada de lo que escriba aquí sale de este proceso.\n"), time.Now())
		return m, func() {}, nil
	}

	logging.Info("Conectando a servidor FTP",
		logging.String("addr", cfg.Addr()),
		logging.String("user", cfg.User),
		logging.Bool("tls", cfg.UseTLS),
		logging.String("path", cfg.BaseDir))

	conn, err := remote.Dial(remote.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		UseTLS:   cfg.UseTLS,
		Timeout:  cfg.Timeout,
		BaseDir:  cfg.BaseDir,
		Events:   bus,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error al conectar a FTP: %w", err)
	}
	return conn, func() {
		if err := conn.Close(); err != nil {
			logging.Warn("Error al cerrar la conexión FTP", logging.Err(err))
		}
	}, nil
}

// preload lists the root before mounting so that the first requests from
// the kernel are answered from the cache.
func preload(b *bridge.Bridge) {
	logging.Info("Precargando caché del directorio root...")
	infos, st := b.FindFiles(bridge.Root)
	if !st.OK() {
		logging.Warn("No se pudo precargar caché", logging.String("status", st.String()))
		return
	}
	logging.Info("Caché precargada", logging.Int("entries", len(infos)))
}

func mountBazil(ctx context.Context, cancel context.CancelFunc, g *errgroup.Group, cfg *config.Config, b *bridge.Bridge) error {
	opts := ftpfs.DefaultOptions()
	opts.IgnoreTempFiles = cfg.IgnoreTempFiles
	if cfg.UID >= 0 {
		opts.UID = uint32(cfg.UID)
	}
	if cfg.GID >= 0 {
		opts.GID = uint32(cfg.GID)
	}
	filesystem := ftpfs.NewFtpFs(b, opts)

	logging.Info("Precargando caché del directorio root...")
	if n, err := filesystem.Preload(bridge.Root); err != nil {
		logging.Warn("No se pudo precargar caché", logging.Err(err))
	} else {
		logging.Info("Caché precargada", logging.Int("entries", n))
	}

	// Verificar que el filesystem funciona antes de montar
	root, err := filesystem.Root()
	if err != nil {
		return fmt.Errorf("error obteniendo root: %w", err)
	}
	var attr fuse.Attr
	if err := root.Attr(ctx, &attr); err != nil {
		return fmt.Errorf("error obteniendo atributos del root: %w", err)
	}
	logging.Debug("Filesystem verificado",
		logging.Uint64("inode", attr.Inode),
		logging.String("mode", attr.Mode.String()))

	options := []fuse.MountOption{
		fuse.FSName("ftpdrive@" + cfg.Addr()),
		fuse.Subtype("ftpdrive"),
	}
	if cfg.ReadOnly {
		options = append(options, fuse.ReadOnly())
	}
	if cfg.AllowOther {
		options = append(options, fuse.AllowOther())
	}

	// Debug de FUSE a nivel kernel
	if cfg.Debug {
		kernelLog := logging.Named("fuse-kernel")
		fuse.Debug = func(msg interface{}) {
			kernelLog.Debug(fmt.Sprint(msg))
		}
	}

	logging.Info("Montando filesystem FTP", logging.String("mount", cfg.MountPoint))
	conn, err := fuse.Mount(cfg.MountPoint, options...)
	if err != nil {
		return fmt.Errorf("error al montar: %w", err)
	}
	logging.Info("Filesystem montado", logging.String("mount", cfg.MountPoint))

	g.Go(func() error {
		defer cancel()
		defer conn.Close()
		if err := fs.Serve(conn, filesystem); err != nil {
			return fmt.Errorf("error en servidor FUSE: %w", err)
		}
		logging.Info("Servidor FUSE terminado")
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Desmontando", logging.String("mount", cfg.MountPoint))
		unmount(cfg.MountPoint)
		return nil
	})
	return nil
}

func unmount(mountpoint string) {
	if err := fuse.Unmount(mountpoint); err != nil {
		logging.Warn("Error al desmontar con fuse.Unmount", logging.Err(err))
		// Intentar con fusermount como fallback
		if err := exec.Command("fusermount", "-u", mountpoint).Run(); err != nil {
			logging.Warn("Error al desmontar con fusermount", logging.Err(err))
		}
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logging.Info("Servidor de métricas escuchando", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("servidor de métricas: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// logEvents copies bus events into the debug log until ctx is done.
func logEvents(ctx context.Context, bus *events.Bus) {
	if !logging.Enabled(zapcore.DebugLevel) {
		return
	}
	log := logging.Named("events")
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			log.Debug(ev.Message, zap.Stringer("kind", ev.Kind), zap.Time("at", ev.Time))
		}
	}
}
