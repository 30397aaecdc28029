package api

import (
	"net/http"
	"os"

	"github.com/blajarplus/blajarplus-server/service/booking"
	"github.com/blajarplus/blajarplus-server/service/chat"
	"github.com/blajarplus/blajarplus-server/service/dashboard"
	"github.com/blajarplus/blajarplus-server/service/gamification"
	"github.com/blajarplus/blajarplus-server/service/membership"
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/blajarplus/blajarplus-server/service/payment"
	"github.com/blajarplus/blajarplus-server/service/tutor"
	"github.com/blajarplus/blajarplus-server/service/user"
	"github.com/blajarplus/blajarplus-server/service/ws"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := ws.NewHub()
	dispatcher := notification.NewDispatcher(s.db, hub)

	userHandler := user.NewUserHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	tutorHandler := tutor.NewTutorHandler(s.db, dispatcher)
	tutorHandler.RegisterRoutes(subrouter)

	bookingHandler := booking.NewBookingHandler(s.db, dispatcher)
	bookingHandler.RegisterRoutes(subrouter)

	paymentHandler := payment.NewPaymentHandler(s.db, dispatcher)
	paymentHandler.RegisterRoutes(subrouter)

	notificationHandler := notification.NewHandler(s.db)
	notificationHandler.RegisterRoutes(subrouter)

	chatHandler := chat.NewChatHandler(s.db, dispatcher)
	chatHandler.RegisterRoutes(subrouter)

	membershipHandler := membership.NewMembershipHandler(s.db)
	membershipHandler.RegisterRoutes(subrouter)

	gamificationHandler := gamification.NewGamificationHandler(s.db)
	gamificationHandler.RegisterRoutes(subrouter)

	dashboardHandler := dashboard.NewDashboardHandler(s.db)
	dashboardHandler.RegisterRoutes(subrouter)

	wsHandler := ws.NewHandler(hub)
	wsHandler.RegisterRoutes(router)

	cors := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Infof("Server running at %s", s.address)
	return http.ListenAndServe(s.address, gorillaHandlers.LoggingHandler(os.Stdout, cors(router)))
}
