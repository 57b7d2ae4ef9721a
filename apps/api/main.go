package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/schoolyard/portal/apps/api/echo"
	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/timetable"
	"github.com/schoolyard/portal/core/user"
	edumatesvc "github.com/schoolyard/portal/services/edumate"
	emailsvc "github.com/schoolyard/portal/services/email"
	icalsvc "github.com/schoolyard/portal/services/ical"
	logsvc "github.com/schoolyard/portal/services/logger"
	"github.com/schoolyard/portal/storage/database"
	sqlxrepos "github.com/schoolyard/portal/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	usrSvc := user.NewService(sqlxrepos.NewUserRepository(db), mailSvc, conf)
	ttSvc := timetable.NewService(
		sqlxrepos.NewTimetableRepository(db),
		edumatesvc.NewClient(conf, logger),
		icalsvc.NewFeed(conf, logger),
		conf,
		logger,
	)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	// =========================================================================
	// Start Background Refresher

	if conf.Timetable.RefreshSpec != "" {
		refresher, err := timetable.NewRefresher(ttSvc, conf.Timetable.RefreshSpec, conf, logger)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up refresher: %v", err), err)
		}
		refresher.Start()
		defer refresher.Stop()
	}

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:         conf,
			Logger:       logger,
			UserSvc:      usrSvc,
			TimetableSvc: ttSvc,
			Validate:     validate,
			Translator:   translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
