package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"epub-translator/internal/config"
	"epub-translator/internal/epub"
	"epub-translator/internal/translation"
)

// ModelLister reports the models offered by the translation backend.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type Server struct {
	config         *config.Config
	logger         *logrus.Logger
	epubParser     *epub.Parser
	extractor      *epub.Extractor
	translationSvc *translation.Service
	tracker        *translation.ProgressTracker
	models         ModelLister
	router         *gin.Engine
	wsHub          *Hub
	stopHub        context.CancelFunc

	uploadsMu sync.RWMutex
	uploads   map[string]*upload
}

// New builds a server backed by the configured OpenAI compatible endpoint.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	openaiClient, err := translation.NewOpenAIClient(cfg.OpenAI, logger)
	if err != nil {
		return nil, err
	}

	s := NewWithTranslator(cfg, logger, openaiClient, openaiClient)
	openaiClient.SetBroadcaster(s.wsHub)
	return s, nil
}

// NewWithTranslator builds a server around any Translator. models may be nil.
func NewWithTranslator(cfg *config.Config, logger *logrus.Logger, translator translation.Translator, models ModelLister) *Server {
	gin.SetMode(gin.ReleaseMode)

	wsHub := NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go wsHub.Run(hubCtx)

	s := &Server{
		config:         cfg,
		logger:         logger,
		epubParser:     epub.NewParser(logger),
		extractor:      epub.NewExtractor(),
		translationSvc: translation.NewService(translator, logger, translation.OptionsFromConfig(cfg.Translation)),
		tracker:        translation.NewProgressTracker(logger, wsHub),
		models:         models,
		wsHub:          wsHub,
		stopHub:        stopHub,
		uploads:        make(map[string]*upload),
	}

	s.setupRoutes()
	return s
}

func (s *Server) Handler() *gin.Engine {
	return s.router
}

// Close disconnects websocket clients. Running jobs are not interrupted.
func (s *Server) Close() {
	s.stopHub()
}

func (s *Server) setupRoutes() {
	s.router = gin.New()

	s.router.Use(s.loggingMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	s.router.Use(gin.Recovery())

	s.router.POST("/upload", s.handleUpload)
	s.router.POST("/translate", s.handleTranslate)
	s.router.GET("/status/:id", s.handleStatus)
	s.router.GET("/download/:id", s.handleDownload)

	api := s.router.Group("/api")
	api.GET("/languages", s.handleLanguages)
	api.GET("/models", s.handleModels)
	api.GET("/outputs", s.handleOutputs)
	api.DELETE("/epub/:id", s.handleDeleteEpub)

	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "websocket_clients": s.wsHub.ClientCount()})
	})
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.WithFields(logrus.Fields{
			"status":     param.StatusCode,
			"method":     param.Method,
			"path":       param.Path,
			"ip":         param.ClientIP,
			"user_agent": param.Request.UserAgent(),
			"latency":    param.Latency,
		}).Info("HTTP Request")
		return ""
	})
}
