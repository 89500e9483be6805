package rest

import (
	domainPost "github.com/AzielCF/az-publisher/domains/post"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// HeaderOrganizationID scopes every post operation to one organization.
const HeaderOrganizationID = "X-Organization-ID"

type Post struct {
	Service domainPost.IPostUsecase
}

func InitRestPost(app fiber.Router, service domainPost.IPostUsecase) Post {
	rest := Post{Service: service}
	app.Post("/posts", rest.CreatePost)
	app.Get("/posts", rest.ListPosts)
	app.Get("/posts/:id", rest.GetPost)
	app.Patch("/posts/:id", rest.EditPost)
	app.Delete("/posts/:id", rest.DeletePost)
	app.Post("/posts/:id/schedule", rest.SchedulePost)
	app.Put("/posts/:id/schedule", rest.ReschedulePost)
	app.Post("/posts/:id/cancel", rest.CancelPost)
	app.Get("/posts/:id/status", rest.GetDispatchStatus)
	return rest
}

func (controller *Post) CreatePost(c *fiber.Ctx) error {
	var request domainPost.CreatePostRequest
	parseBody(c, &request)

	post, err := controller.Service.CreatePost(c.UserContext(), c.Get(HeaderOrganizationID), request)
	utils.PanicIfNeeded(err)

	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  fiber.StatusCreated,
		Code:    "SUCCESS",
		Message: "Post created",
		Results: post,
	})
}

func (controller *Post) ListPosts(c *fiber.Ctx) error {
	var request domainPost.ListPostsRequest
	parseQuery(c, &request)

	posts, err := controller.Service.ListPosts(c.UserContext(), c.Get(HeaderOrganizationID), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch posts",
		Results: posts,
	})
}

func (controller *Post) GetPost(c *fiber.Ctx) error {
	post, err := controller.Service.GetPost(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch post",
		Results: post,
	})
}

func (controller *Post) EditPost(c *fiber.Ctx) error {
	var request domainPost.EditPostRequest
	parseBody(c, &request)

	post, err := controller.Service.EditPost(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Post updated",
		Results: post,
	})
}

func (controller *Post) DeletePost(c *fiber.Ctx) error {
	err := controller.Service.DeletePost(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Post deleted",
	})
}

func (controller *Post) SchedulePost(c *fiber.Ctx) error {
	var request domainPost.ScheduleRequest
	parseBody(c, &request)

	response, err := controller.Service.RequestSchedule(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"), request)
	utils.PanicIfNeeded(err)

	return c.Status(fiber.StatusAccepted).JSON(utils.ResponseData{
		Status:  fiber.StatusAccepted,
		Code:    "SUCCESS",
		Message: "Post scheduled",
		Results: response,
	})
}

func (controller *Post) ReschedulePost(c *fiber.Ctx) error {
	var request domainPost.RescheduleRequest
	parseBody(c, &request)

	err := controller.Service.RequestReschedule(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"), request)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Post rescheduled",
	})
}

func (controller *Post) CancelPost(c *fiber.Ctx) error {
	err := controller.Service.RequestCancel(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Post canceled",
	})
}

func (controller *Post) GetDispatchStatus(c *fiber.Ctx) error {
	status, err := controller.Service.GetDispatchStatus(c.UserContext(), c.Get(HeaderOrganizationID), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch dispatch status",
		Results: status,
	})
}
