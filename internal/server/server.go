package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shopfront/payplus/internal/checkout"
	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/internal/ordersync"
	"github.com/shopfront/payplus/internal/reconcile"
)

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Repo        domain.Repository
	API         gateway.API
	CheckoutSvc *checkout.Service
	Reconciler  *reconcile.Engine
	SyncSvc     *ordersync.Service
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	repo        domain.Repository
	api         gateway.API
	checkoutSvc *checkout.Service
	reconciler  *reconcile.Engine
	syncSvc     *ordersync.Service
}

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func NewServer(p Params, engine *gin.Engine) *Server {
	s := &Server{
		engine:      engine,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		repo:        p.Repo,
		api:         p.API,
		checkoutSvc: p.CheckoutSvc,
		reconciler:  p.Reconciler,
		syncSvc:     p.SyncSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	ws := s.engine.Group("/payplus/ws")
	ws.GET("/return", s.HandleReturn)
	ws.POST("/return", s.HandleReturn)
	ws.POST("/callback", s.HandleCallback)

	admin := s.engine.Group("/admin")
	admin.POST("/sync-orders", s.HandleSyncOrders)
	admin.POST("/orders/:increment_id/payment-link", s.HandleCreatePaymentLink)
	admin.POST("/orders/:increment_id/capture", s.HandleCapture)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {}),
	fx.Invoke(run),
)
